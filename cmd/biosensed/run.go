package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-biosense/internal/archive"
	"github.com/e7canasta/orion-biosense/internal/emitter"
	"github.com/e7canasta/orion-biosense/internal/liveview"
	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/capture"
	"github.com/e7canasta/orion-biosense/modules/streampublisher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect the headband and serve live previews until interrupted",
	Long: `Connect the headband and serve its streams until SIGINT or SIGTERM:

  - WebSocket previews, health and status on liveview.addr
  - state, quality and previews mirrored to MQTT (when mqtt.enabled)
  - consecutive capture windows archived to SQLite (when archive.enabled
    and --window is set)`,
	RunE: runRun,
}

func init() {
	flags := runCmd.Flags()
	flags.String("addr", "", "live view listen address")
	flags.String("mqtt-broker", "", "MQTT broker URL (enables MQTT)")
	flags.Duration("stats-interval", 0, "print statistics every interval (0 disables)")
	flags.Duration("window", 0, "archive consecutive capture windows of this length (0 disables)")

	mustBind(flags, "liveview.addr", "addr")
	mustBind(flags, "mqtt.broker", "mqtt-broker")
}

func runRun(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("mqtt-broker") {
		cfg.MQTT.Enabled = true
	}
	statsInterval, _ := cmd.Flags().GetDuration("stats-interval")
	window, _ := cmd.Flags().GetDuration("window")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting biosensed",
		"instance_id", cfg.InstanceID,
		"driver", cfg.Device.Driver,
		"liveview", cfg.LiveView.Enabled,
		"mqtt", cfg.MQTT.Enabled,
		"archive", cfg.Archive.Enabled,
	)

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

	if cfg.LiveView.Enabled {
		lv := liveview.New(pub, sess)
		if err := lv.Start(cfg.LiveView.Addr); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
			defer cancel()
			if err := lv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("live view shutdown", "error", err)
			}
		}()
	}

	if cfg.MQTT.Enabled {
		em, err := emitter.Dial(cfg.MQTT.Broker, cfg.MQTT.ClientID, emitter.Config{
			InstanceID:  cfg.InstanceID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		if err != nil {
			return err
		}
		em.Attach(pub)
		defer em.Close()
	}

	if state := sess.Connect(ctx); state != biosession.Connected {
		if ctx.Err() != nil {
			return nil
		}
		if derr := sess.LastError(); derr != nil {
			return fmt.Errorf("headband connection failed: %w", derr)
		}
		return fmt.Errorf("headband not connected (state %s)", state)
	}

	if statsInterval > 0 {
		go reportStats(ctx, os.Stdout, statsInterval, sess, pub)
	}

	if cfg.Archive.Enabled && window > 0 {
		store, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		ctrl := capture.New(sess)
		defer ctrl.Close()

		ticker := time.NewTicker(window)
		defer ticker.Stop()

		archived := make(chan struct{})
		go func() {
			defer close(archived)
			archiveWindows(ctx, ctrl, store, ticker.C)
		}()
		defer func() { <-archived }()
	}

	<-ctx.Done()
	slog.Info("received shutdown signal, stopping gracefully")
	sess.Disconnect()
	return nil
}

// archiveWindows stores one window per tick until ctx ends. Routing is
// paused only for the drain itself: samples arriving while a window is
// saved stay buffered for the next one, so archived windows are contiguous.
func archiveWindows(ctx context.Context, ctrl *capture.Controller, store *archive.Store, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}

		packet, err := drainWindow(ctrl)
		switch {
		case errors.Is(err, capture.ErrClosed):
			slog.Warn("archive loop stopped", "error", err)
			return
		case err != nil:
			slog.Warn("capture window failed", "error", err)
			continue
		case packet.Empty():
			continue
		}

		if _, err := store.SaveWindow(ctx, "live", packet); err != nil {
			slog.Error("archive window failed", "error", err)
		}
	}
}

// drainWindow runs pause, drain and resume; routing is resumed even when
// the drain is rejected.
func drainWindow(ctrl *capture.Controller) (biosession.CapturePacket, error) {
	if err := ctrl.Pause(); err != nil {
		return biosession.CapturePacket{}, err
	}
	packet, err := ctrl.DrainRawData()
	if rerr := ctrl.Resume(); err == nil {
		err = rerr
	}
	return packet, err
}
