package config

import (
	"fmt"
	"time"

	"github.com/kilianp07/dispense/infra/clearcore"
	"github.com/kilianp07/dispense/infra/serialscale"
	"github.com/kilianp07/dispense/simulator"
)

// DevicesConfig selects the hardware driver. "hardware" opens the serial
// load-cell bridge and the ClearCore controller; "simulated" couples a
// simulated scale and motor.
type DevicesConfig struct {
	Driver        string             `json:"driver"`
	Scale         serialscale.Config `json:"scale"`
	Motor         clearcore.Config   `json:"motor"`
	Simulator     simulator.Config   `json:"simulator"`
	ConnectSettle time.Duration      `json:"connect_settle"`
}

// SetDefaults fills unset fields.
func (c *DevicesConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "hardware"
	}
	if c.ConnectSettle <= 0 {
		c.ConnectSettle = 5 * time.Second
	}
	c.Scale.SetDefaults()
	c.Motor.SetDefaults()
	c.Simulator.SetDefaults()
}

// Validate checks the driver name and the motor scaling.
func (c DevicesConfig) Validate() error {
	switch c.Driver {
	case "hardware", "simulated":
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	return c.Motor.Validate()
}
