package plugins

import (
	"context"

	"github.com/kilianp07/dispense/config"
	"github.com/kilianp07/dispense/core/device"
	"github.com/kilianp07/dispense/infra/clearcore"
	"github.com/kilianp07/dispense/infra/serialscale"
	"github.com/kilianp07/dispense/simulator"
)

func init() {
	RegisterDriver("hardware", func(cfg config.DevicesConfig) (Devices, error) {
		return Devices{
			Scale: serialscale.Connector(cfg.Scale),
			Motor: clearcore.New(cfg.Motor),
		}, nil
	})
	RegisterDriver("simulated", func(cfg config.DevicesConfig) (Devices, error) {
		plant := simulator.New(cfg.Simulator)
		return Devices{
			Scale: func(context.Context) (device.Scale, error) { return plant.Scale(), nil },
			Motor: plant.Controller(),
		}, nil
	})
}
