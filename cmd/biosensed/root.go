package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/e7canasta/orion-biosense/internal/config"
)

const defaultConfigPath = "config/biosense.yaml"

var (
	// cfg is the effective configuration, loaded before any subcommand runs.
	cfg *config.Config
	// overrides resolves BIOSENSE_* variables and bound flags.
	overrides = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "biosensed",
	Short: "Biometric headband session manager",
	Long: `biosensed connects to an EEG headband (or a simulated one), buffers its
EEG, PPG and heart-rate streams, and serves live previews, guided
recordings and a terminal monitor.

Configuration is read from a YAML file; BIOSENSE_* environment variables
and command-line flags override it (e.g. BIOSENSE_MQTT_BROKER for
mqtt.broker).`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", defaultConfigPath, "config file")
	flags.String("instance", "", "instance id")
	flags.String("driver", "", "headband driver (simulated, bridge)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")

	mustBind(flags, "instance_id", "instance")
	mustBind(flags, "device.driver", "driver")
	mustBind(flags, "logging.level", "log-level")
	mustBind(flags, "logging.format", "log-format")

	rootCmd.AddCommand(runCmd, recordCmd, monitorCmd, configCmd)
}

// mustBind maps a flag onto an override key. Only a flag set on the
// command line overrides the file.
func mustBind(flags *pflag.FlagSet, key, name string) {
	if err := overrides.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}

// loadConfig reads the file (or the defaults when the default path does
// not exist), applies overrides and installs the logger.
func loadConfig(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")

	loaded, err := config.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		loaded = config.Default()
		path = ""
	default:
		return err
	}

	if err := config.ApplyOverrides(loaded, overrides); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	setupLogger(cfg.Logging, logOutput(cmd))
	slog.Debug("configuration loaded",
		"path", path,
		"instance_id", cfg.InstanceID,
		"driver", cfg.Device.Driver,
	)
	return nil
}

// logOutput keeps the terminal clean for the monitor.
func logOutput(cmd *cobra.Command) io.Writer {
	if cmd == monitorCmd {
		return io.Discard
	}
	return os.Stderr
}
