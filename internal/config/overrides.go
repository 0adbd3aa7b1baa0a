package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: mqtt.broker is read from
// BIOSENSE_MQTT_BROKER.
const EnvPrefix = "BIOSENSE"

// NewViper returns a viper instance that resolves override keys from the
// environment. Bind command flags onto it with BindPFlag.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	// Replace dots with underscores for nested keys in env vars
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

type override struct {
	key   string
	apply func(c *Config, v *viper.Viper)
}

// overrides lists the keys that may come from the environment or flags.
var overrides = []override{
	{"instance_id", func(c *Config, v *viper.Viper) { c.InstanceID = v.GetString("instance_id") }},
	{"device.driver", func(c *Config, v *viper.Viper) { c.Device.Driver = v.GetString("device.driver") }},
	{"device.simulated.ppg", func(c *Config, v *viper.Viper) { c.Device.Simulated.PPG = v.GetBool("device.simulated.ppg") }},
	{"device.simulated.heart_rate", func(c *Config, v *viper.Viper) {
		c.Device.Simulated.HeartRate = v.GetBool("device.simulated.heart_rate")
	}},
	{"device.simulated.seed", func(c *Config, v *viper.Viper) { c.Device.Simulated.Seed = v.GetUint64("device.simulated.seed") }},
	{"device.bridge.command", func(c *Config, v *viper.Viper) { c.Device.Bridge.Command = v.GetString("device.bridge.command") }},
	{"buffers.window_seconds", func(c *Config, v *viper.Viper) { c.Buffers.WindowSeconds = v.GetInt("buffers.window_seconds") }},
	{"liveview.enabled", func(c *Config, v *viper.Viper) { c.LiveView.Enabled = v.GetBool("liveview.enabled") }},
	{"liveview.addr", func(c *Config, v *viper.Viper) { c.LiveView.Addr = v.GetString("liveview.addr") }},
	{"mqtt.enabled", func(c *Config, v *viper.Viper) { c.MQTT.Enabled = v.GetBool("mqtt.enabled") }},
	{"mqtt.broker", func(c *Config, v *viper.Viper) { c.MQTT.Broker = v.GetString("mqtt.broker") }},
	{"archive.enabled", func(c *Config, v *viper.Viper) { c.Archive.Enabled = v.GetBool("archive.enabled") }},
	{"archive.path", func(c *Config, v *viper.Viper) { c.Archive.Path = v.GetString("archive.path") }},
	{"export.dir", func(c *Config, v *viper.Viper) { c.Export.Dir = v.GetString("export.dir") }},
	{"logging.level", func(c *Config, v *viper.Viper) { c.Logging.Level = v.GetString("logging.level") }},
	{"logging.format", func(c *Config, v *viper.Viper) { c.Logging.Format = v.GetString("logging.format") }},
}

// OverrideKeys returns the keys ApplyOverrides understands.
func OverrideKeys() []string {
	keys := make([]string, len(overrides))
	for i, o := range overrides {
		keys[i] = o.key
	}
	return keys
}

// ApplyOverrides copies every override key set in v (environment or a
// changed flag) onto cfg and validates the result. The file stays the base
// layer; unset keys keep their file values.
func ApplyOverrides(cfg *Config, v *viper.Viper) error {
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(cfg, v)
		}
	}
	return Validate(cfg)
}
