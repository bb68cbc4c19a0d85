package config

import (
	"fmt"
	"time"

	"github.com/kilianp07/dispense/infra/backend"
)

// CalibrationConfig configures trial collection and the remote fitter.
type CalibrationConfig struct {
	Samples int            `json:"samples"`
	Period  time.Duration  `json:"period"`
	Backend backend.Config `json:"backend"`
}

// SetDefaults fills unset fields.
func (c *CalibrationConfig) SetDefaults() {
	if c.Samples == 0 {
		c.Samples = 100
	}
	if c.Period == 0 {
		c.Period = 40 * time.Millisecond
	}
	c.Backend.SetDefaults()
}

// Validate checks the trial parameters.
func (c CalibrationConfig) Validate() error {
	if c.Samples < 0 {
		return fmt.Errorf("samples must not be negative")
	}
	if c.Period < 0 {
		return fmt.Errorf("period must not be negative")
	}
	return nil
}
