package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DispenseSettings parameterises one dispense run. It is immutable for the
// duration of the run.
type DispenseSettings struct {
	SamplePeriod    time.Duration // feed loop tick
	CutoffFrequency float64       // low-pass cutoff in Hz
	CheckOffset     float64       // margin added to the target before a stop-and-confirm check
	TargetWeight    float64       // mass to deliver
	MinVelocity     float64
	MaxVelocity     float64
	Timeout         time.Duration
}

// DefaultDispenseSettings mirrors the values used on the bench.
func DefaultDispenseSettings() DispenseSettings {
	return DispenseSettings{
		SamplePeriod:    80 * time.Millisecond,
		CutoffFrequency: 2.0,
		CheckOffset:     5,
		TargetWeight:    50,
		MinVelocity:     0.1,
		MaxVelocity:     0.5,
		Timeout:         30 * time.Second,
	}
}

// Validate checks the invariants of a run configuration.
func (s DispenseSettings) Validate() error {
	if s.SamplePeriod <= 0 {
		return fmt.Errorf("sample_period must be positive")
	}
	if s.CutoffFrequency <= 0 {
		return fmt.Errorf("cutoff_frequency must be positive")
	}
	if s.TargetWeight <= 0 {
		return fmt.Errorf("target_weight must be positive")
	}
	if s.CheckOffset < 0 {
		return fmt.Errorf("check_offset must not be negative")
	}
	if s.MinVelocity < 0 {
		return fmt.Errorf("min_velocity must not be negative")
	}
	if s.MinVelocity > s.MaxVelocity {
		return fmt.Errorf("min_velocity %.3f exceeds max_velocity %.3f", s.MinVelocity, s.MaxVelocity)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// SampleRate returns the feed loop frequency in Hz.
func (s DispenseSettings) SampleRate() float64 {
	return 1 / s.SamplePeriod.Seconds()
}

// StopThreshold is the filtered weight at or below which the controller
// stops and confirms.
func (s DispenseSettings) StopThreshold(startingWeight float64) float64 {
	return startingWeight - (s.TargetWeight + s.CheckOffset)
}

// TargetThreshold is the settled weight at or below which the target counts
// as delivered.
func (s DispenseSettings) TargetThreshold(startingWeight float64) float64 {
	return startingWeight - s.TargetWeight
}

// ClampVelocity applies the proportional law: the remaining fraction of the
// target scales the maximum velocity, bounded to [MinVelocity, MaxVelocity].
func (s DispenseSettings) ClampVelocity(filtered, startingWeight float64) float64 {
	errFrac := (filtered - startingWeight + s.TargetWeight) / s.TargetWeight
	v := errFrac * s.MaxVelocity
	switch {
	case v > s.MaxVelocity:
		return s.MaxVelocity
	case v > s.MinVelocity:
		return v
	default:
		return s.MinVelocity
	}
}

type settingsWire struct {
	SamplePeriod    Duration `json:"sample_period"`
	CutoffFrequency float64  `json:"cutoff_frequency"`
	CheckOffset     float64  `json:"check_offset"`
	TargetWeight    float64  `json:"target_weight"`
	MinVelocity     float64  `json:"min_velocity"`
	MaxVelocity     float64  `json:"max_velocity"`
	Timeout         Duration `json:"timeout"`
}

func (s DispenseSettings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsWire{
		SamplePeriod:    Duration(s.SamplePeriod),
		CutoffFrequency: s.CutoffFrequency,
		CheckOffset:     s.CheckOffset,
		TargetWeight:    s.TargetWeight,
		MinVelocity:     s.MinVelocity,
		MaxVelocity:     s.MaxVelocity,
		Timeout:         Duration(s.Timeout),
	})
}

// UnmarshalJSON decodes settings. Fields that are absent keep their default
// value, and the legacy "weight" key is accepted for target_weight.
func (s *DispenseSettings) UnmarshalJSON(b []byte) error {
	*s = DefaultDispenseSettings()
	return s.Overlay(b)
}

// Overlay decodes b on top of s: only the fields present in b change.
func (s *DispenseSettings) Overlay(b []byte) error {
	w := struct {
		settingsWire
		Weight *float64 `json:"weight"`
	}{settingsWire: settingsWire{
		SamplePeriod:    Duration(s.SamplePeriod),
		CutoffFrequency: s.CutoffFrequency,
		CheckOffset:     s.CheckOffset,
		TargetWeight:    s.TargetWeight,
		MinVelocity:     s.MinVelocity,
		MaxVelocity:     s.MaxVelocity,
		Timeout:         Duration(s.Timeout),
	}}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = DispenseSettings{
		SamplePeriod:    w.SamplePeriod.Std(),
		CutoffFrequency: w.CutoffFrequency,
		CheckOffset:     w.CheckOffset,
		TargetWeight:    w.TargetWeight,
		MinVelocity:     w.MinVelocity,
		MaxVelocity:     w.MaxVelocity,
		Timeout:         w.Timeout.Std(),
	}
	if w.Weight != nil {
		s.TargetWeight = *w.Weight
	}
	return nil
}
