package config

import (
	"time"

	"github.com/kilianp07/dispense/core/model"
)

// DispenseConfig holds the default run settings and controller tunables.
// Zero settings fall back to model.DefaultDispenseSettings.
type DispenseConfig struct {
	Axis            int           `json:"axis"`
	SamplePeriod    time.Duration `json:"sample_period"`
	CutoffFrequency float64       `json:"cutoff_frequency"`
	CheckOffset     float64       `json:"check_offset"`
	TargetWeight    float64       `json:"target_weight"`
	MinVelocity     float64       `json:"min_velocity"`
	MaxVelocity     float64       `json:"max_velocity"`
	Timeout         time.Duration `json:"timeout"`
	// Settle is the pause after the first velocity set-point. Negative
	// skips it.
	Settle                 time.Duration `json:"settle"`
	FeedDistance           float64       `json:"feed_distance"`
	VelocityUpdateInterval time.Duration `json:"velocity_update_interval"`
	MedianSamples          int           `json:"median_samples"`
	MaxChecks              int           `json:"max_checks"`
}

// SetDefaults fills unset run settings.
func (c *DispenseConfig) SetDefaults() {
	d := model.DefaultDispenseSettings()
	if c.SamplePeriod == 0 {
		c.SamplePeriod = d.SamplePeriod
	}
	if c.CutoffFrequency == 0 {
		c.CutoffFrequency = d.CutoffFrequency
	}
	if c.CheckOffset == 0 {
		c.CheckOffset = d.CheckOffset
	}
	if c.TargetWeight == 0 {
		c.TargetWeight = d.TargetWeight
	}
	if c.MinVelocity == 0 {
		c.MinVelocity = d.MinVelocity
	}
	if c.MaxVelocity == 0 {
		c.MaxVelocity = d.MaxVelocity
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.Settle == 0 {
		c.Settle = 2 * time.Second
	}
}

// Settings returns the default run settings.
func (c DispenseConfig) Settings() model.DispenseSettings {
	return model.DispenseSettings{
		SamplePeriod:    c.SamplePeriod,
		CutoffFrequency: c.CutoffFrequency,
		CheckOffset:     c.CheckOffset,
		TargetWeight:    c.TargetWeight,
		MinVelocity:     c.MinVelocity,
		MaxVelocity:     c.MaxVelocity,
		Timeout:         c.Timeout,
	}
}

// Validate checks the default settings.
func (c DispenseConfig) Validate() error { return c.Settings().Validate() }
