package biosession

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// HandshakeConfig bounds the retries made inside a single Connect call.
//
// This is not auto-reconnect: once a session is in Error, only an explicit
// Disconnect followed by Connect tries again.
type HandshakeConfig struct {
	Attempts      int           // Total handshake attempts (default: 1)
	RetryDelay    time.Duration // Initial retry delay (default: 500ms)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 5s)
	Timeout       time.Duration // Per-attempt timeout, 0 = none (default: 10s)
}

// DefaultHandshakeConfig returns default handshake configuration
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Attempts:      1,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
		Timeout:       10 * time.Second,
	}
}

func (c HandshakeConfig) withDefaults() HandshakeConfig {
	d := DefaultHandshakeConfig()
	if c.Attempts > 0 {
		d.Attempts = c.Attempts
	}
	if c.RetryDelay > 0 {
		d.RetryDelay = c.RetryDelay
	}
	if c.MaxRetryDelay > 0 {
		d.MaxRetryDelay = c.MaxRetryDelay
	}
	if c.Timeout != 0 {
		d.Timeout = c.Timeout
	}
	if d.Timeout < 0 {
		d.Timeout = 0
	}
	return d
}

// runHandshake calls connectFn until it succeeds, attempts run out or ctx
// is cancelled, waiting with exponential backoff between attempts.
// Returns the number of attempts made.
func runHandshake(ctx context.Context, cfg HandshakeConfig, connectFn func(context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := callWithTimeout(ctx, cfg.Timeout, connectFn)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if attempt == cfg.Attempts {
			break
		}

		delay := calculateBackoff(attempt, cfg)
		slog.Warn("biosession: handshake failed, retrying",
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}

	if cfg.Attempts > 1 {
		return cfg.Attempts, fmt.Errorf("handshake failed after %d attempts: %w", cfg.Attempts, lastErr)
	}
	return cfg.Attempts, lastErr
}

func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay.
func calculateBackoff(attempt int, cfg HandshakeConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
