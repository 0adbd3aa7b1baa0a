package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Supported drivers
const (
	DriverSimulated = "simulated"
	DriverBridge    = "bridge"
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateDevice(&cfg.Device); err != nil {
		return fmt.Errorf("device: %w", err)
	}

	// Buffers
	if cfg.Buffers.WindowSeconds < 0 {
		return fmt.Errorf("buffers.window_seconds must be > 0")
	}
	if cfg.Buffers.WindowSeconds == 0 {
		cfg.Buffers.WindowSeconds = 180
	}
	if cfg.Buffers.TelemetryCapacity <= 0 {
		cfg.Buffers.TelemetryCapacity = 64
	}

	// Preview
	if cfg.Preview.IntervalMS <= 0 {
		cfg.Preview.IntervalMS = 100
	}
	if cfg.Preview.EEGSamples <= 0 {
		cfg.Preview.EEGSamples = 256
	}
	if cfg.Preview.PPGSamples <= 0 {
		cfg.Preview.PPGSamples = 64
	}
	if cfg.Preview.HRSamples <= 0 {
		cfg.Preview.HRSamples = 30
	}

	if cfg.Synthetic.TickMS <= 0 {
		cfg.Synthetic.TickMS = 250
	}

	// Quality thresholds
	if cfg.Quality.FairAfterMS <= 0 {
		cfg.Quality.FairAfterMS = 3000
	}
	if cfg.Quality.GoodAfterMS <= 0 {
		cfg.Quality.GoodAfterMS = 5000
	}
	if cfg.Quality.GoodAfterMS < cfg.Quality.FairAfterMS {
		return fmt.Errorf("quality.good_after_ms (%d) must be >= quality.fair_after_ms (%d)",
			cfg.Quality.GoodAfterMS, cfg.Quality.FairAfterMS)
	}

	if cfg.LiveView.Addr == "" {
		cfg.LiveView.Addr = ":8090"
	}

	if err := validateMQTT(&cfg.MQTT, cfg.InstanceID); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if cfg.Archive.Enabled && cfg.Archive.Path == "" {
		cfg.Archive.Path = "biosense.db"
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = "recordings"
	}

	return validateLogging(&cfg.Logging)
}

func validateDevice(d *DeviceConfig) error {
	switch d.Driver {
	case "":
		d.Driver = DriverSimulated
	case DriverSimulated:
	case DriverBridge:
		if d.Bridge.Command == "" {
			return fmt.Errorf("bridge.command is required for the bridge driver")
		}
	default:
		return fmt.Errorf("unknown driver %q (want %s or %s)", d.Driver, DriverSimulated, DriverBridge)
	}

	if d.Bridge.HandshakeTimeoutMS <= 0 {
		d.Bridge.HandshakeTimeoutMS = 10000
	}

	h := &d.Handshake
	if h.Attempts <= 0 {
		h.Attempts = 1
	}
	if h.RetryDelayMS <= 0 {
		h.RetryDelayMS = 500
	}
	if h.MaxRetryDelayMS <= 0 {
		h.MaxRetryDelayMS = 5000
	}
	if h.MaxRetryDelayMS < h.RetryDelayMS {
		return fmt.Errorf("handshake.max_retry_delay_ms must be >= handshake.retry_delay_ms")
	}
	if h.TimeoutMS == 0 {
		h.TimeoutMS = 10000
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) error {
	if m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "biosense"
	}
	if m.ClientID == "" {
		m.ClientID = "biosensed-" + instanceID
	}
	if m.Enabled && m.Broker == "" {
		return fmt.Errorf("broker is required when mqtt is enabled")
	}
	return nil
}

func validateLogging(l *LoggingConfig) error {
	switch l.Level {
	case "":
		l.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}

	switch l.Format {
	case "":
		l.Format = "text"
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", l.Format)
	}
	return nil
}
