// Package config loads and validates the biosensed YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/streampublisher"
	"gopkg.in/yaml.v3"
)

// Config represents the complete biosensed configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Device           DeviceConfig    `yaml:"device"`
	Buffers          BuffersConfig   `yaml:"buffers"`
	Preview          PreviewConfig   `yaml:"preview"`
	Synthetic        SyntheticConfig `yaml:"synthetic"`
	Quality          QualityConfig   `yaml:"quality"`
	LiveView         LiveViewConfig  `yaml:"liveview"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Archive          ArchiveConfig   `yaml:"archive"`
	Export           ExportConfig    `yaml:"export"`
	Logging          LoggingConfig   `yaml:"logging"`
}

// DeviceConfig selects and configures the headband driver
type DeviceConfig struct {
	Driver    string          `yaml:"driver"` // simulated, bridge
	Simulated SimulatedConfig `yaml:"simulated"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Handshake HandshakeConfig `yaml:"handshake"`
}

// SimulatedConfig contains simulated driver settings
type SimulatedConfig struct {
	PPG       bool   `yaml:"ppg"`        // report native PPG
	HeartRate bool   `yaml:"heart_rate"` // report native heart rate
	Seed      uint64 `yaml:"seed"`
}

// BridgeConfig contains vendor bridge process settings
type BridgeConfig struct {
	Command            string   `yaml:"command"`
	Args               []string `yaml:"args,omitempty"`
	HandshakeTimeoutMS int      `yaml:"handshake_timeout_ms"`
}

// HandshakeConfig bounds the retries inside one connect
type HandshakeConfig struct {
	Attempts        int `yaml:"attempts"`
	RetryDelayMS    int `yaml:"retry_delay_ms"`
	MaxRetryDelayMS int `yaml:"max_retry_delay_ms"`
	TimeoutMS       int `yaml:"timeout_ms"`
}

// BuffersConfig sizes the per-channel ring buffers
type BuffersConfig struct {
	WindowSeconds     int `yaml:"window_seconds"`     // rolling window per channel (default: 180)
	TelemetryCapacity int `yaml:"telemetry_capacity"` // telemetry readings kept (default: 64)
}

// PreviewConfig contains live preview settings
type PreviewConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	EEGSamples int `yaml:"eeg_samples"`
	PPGSamples int `yaml:"ppg_samples"`
	HRSamples  int `yaml:"hr_samples"`
}

// SyntheticConfig contains fallback generator settings
type SyntheticConfig struct {
	TickMS int `yaml:"tick_ms"`
}

// QualityConfig contains the elapsed-time quality thresholds
type QualityConfig struct {
	FairAfterMS int `yaml:"fair_after_ms"`
	GoodAfterMS int `yaml:"good_after_ms"`
}

// LiveViewConfig contains HTTP/WebSocket settings
type LiveViewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// ArchiveConfig contains SQLite archive settings
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ExportConfig contains recording output settings
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration for a local simulated headband.
func Default() *Config {
	cfg := &Config{InstanceID: "biosense-local"}
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Session returns the session configuration.
func (c *Config) Session() biosession.Config {
	cfg := biosession.DefaultConfig()
	cfg.WindowSeconds = c.Buffers.WindowSeconds
	cfg.TelemetryCapacity = c.Buffers.TelemetryCapacity
	cfg.SyntheticTick = ms(c.Synthetic.TickMS)
	cfg.Handshake = biosession.HandshakeConfig{
		Attempts:      c.Device.Handshake.Attempts,
		RetryDelay:    ms(c.Device.Handshake.RetryDelayMS),
		MaxRetryDelay: ms(c.Device.Handshake.MaxRetryDelayMS),
		Timeout:       ms(c.Device.Handshake.TimeoutMS),
	}
	cfg.Quality = biosession.ElapsedEstimator{
		FairAfter: ms(c.Quality.FairAfterMS),
		GoodAfter: ms(c.Quality.GoodAfterMS),
	}
	return cfg
}

// Publisher returns the preview configuration.
func (c *Config) Publisher() streampublisher.Config {
	return streampublisher.Config{
		Interval:   ms(c.Preview.IntervalMS),
		EEGSamples: c.Preview.EEGSamples,
		PPGSamples: c.Preview.PPGSamples,
		HRSamples:  c.Preview.HRSamples,
	}
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
