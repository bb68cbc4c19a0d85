// Package plugins maps device driver names to constructors.
package plugins

import (
	"fmt"
	"sort"

	"github.com/kilianp07/dispense/config"
	"github.com/kilianp07/dispense/core/device"
)

// Devices are the hardware collaborators built for one driver.
type Devices struct {
	Scale device.ScaleConnector
	Motor device.MotorController
	// Close releases driver resources that outlive the devices, if any.
	Close func() error
}

// DriverFactory builds the devices of a driver from the devices section.
type DriverFactory func(cfg config.DevicesConfig) (Devices, error)

var Drivers = map[string]DriverFactory{}

func RegisterDriver(name string, f DriverFactory) { Drivers[name] = f }

// Build constructs the devices of cfg.Driver.
func Build(cfg config.DevicesConfig) (Devices, error) {
	f, ok := Drivers[cfg.Driver]
	if !ok {
		names := make([]string, 0, len(Drivers))
		for n := range Drivers {
			names = append(names, n)
		}
		sort.Strings(names)
		return Devices{}, fmt.Errorf("unknown device driver %q (known: %v)", cfg.Driver, names)
	}
	d, err := f(cfg)
	if err != nil {
		return Devices{}, fmt.Errorf("driver %s: %w", cfg.Driver, err)
	}
	if d.Close == nil {
		d.Close = func() error { return nil }
	}
	return d, nil
}
