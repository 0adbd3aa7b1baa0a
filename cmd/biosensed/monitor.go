package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-biosense/internal/monitor"
	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/streampublisher"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show the live session in the terminal",
	Long: `Connect the headband and show its state, signal quality and a sparkline
per channel. Press c to connect, d to disconnect, q to quit.

Logs are discarded unless --log-file is given.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().String("log-file", "", "write logs to this file")
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	if path, _ := cmd.Flags().GetString("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		setupLogger(cfg.Logging, f)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	pub := streampublisher.New(sess, cfg.Publisher())
	if err := pub.Start(ctx); err != nil {
		return err
	}
	defer pub.Close()

	connect := func() {
		if state := sess.Connect(ctx); state != biosession.Connected {
			slog.Warn("monitor: connect failed", "state", state, "error", sess.LastError())
		}
	}
	go connect()

	return monitor.Run(ctx, pub, monitor.Actions{
		Connect:    connect,
		Disconnect: sess.Disconnect,
	})
}
