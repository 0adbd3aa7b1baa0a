package main

import (
	"io"
	"log/slog"

	"github.com/e7canasta/orion-biosense/internal/config"
)

// setupLogger installs the default slog logger described by l.
func setupLogger(l config.LoggingConfig, w io.Writer) {
	level := slog.LevelInfo
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
