package main

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-biosense/internal/config"
	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/driver/bridge"
	"github.com/e7canasta/orion-biosense/modules/driver/simulated"
)

// newDriver builds the headband driver selected by the configuration.
func newDriver(d config.DeviceConfig) (biosession.Driver, error) {
	switch d.Driver {
	case config.DriverSimulated:
		return simulated.New(simulated.Config{
			PPG:       d.Simulated.PPG,
			HeartRate: d.Simulated.HeartRate,
			Seed:      d.Simulated.Seed,
		}), nil
	case config.DriverBridge:
		drv, err := bridge.New(bridge.Config{
			Command:          d.Bridge.Command,
			Args:             d.Bridge.Args,
			HandshakeTimeout: time.Duration(d.Bridge.HandshakeTimeoutMS) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		return drv, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", d.Driver)
	}
}

// newSession builds the driver and a disconnected session around it.
func newSession(c *config.Config) (*biosession.Session, error) {
	drv, err := newDriver(c.Device)
	if err != nil {
		return nil, err
	}
	return biosession.New(drv, c.Session())
}
