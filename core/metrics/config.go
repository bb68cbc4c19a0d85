package metrics

import "github.com/kilianp07/dispense/core/factory"

// Config defines settings for metrics sinks.
type Config struct {
	Sinks []factory.ModuleConfig `json:"sinks"`
	// SampleEvery forwards every Nth feed loop sample to sample recorders.
	// Zero disables sample recording.
	SampleEvery int `json:"sample_every"`
}
