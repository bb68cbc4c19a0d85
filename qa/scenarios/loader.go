// Package scenarios replays dispense runs described in YAML against the
// simulated plant.
package scenarios

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/dispense/core/model"
	"github.com/kilianp07/dispense/simulator"
)

type PlantDef struct {
	InitialWeight  float64 `yaml:"initial_weight"`
	Gain           float64 `yaml:"gain"`
	Noise          float64 `yaml:"noise"`
	MedianBias     float64 `yaml:"median_bias"`
	FailScaleAfter int     `yaml:"fail_scale_after,omitempty"`
	FailMotor      bool    `yaml:"fail_motor,omitempty"`
}

func (p PlantDef) ToConfig() simulator.Config {
	return simulator.Config{
		InitialWeight: p.InitialWeight,
		Gain:          p.Gain,
		Noise:         p.Noise,
		MedianBias:    p.MedianBias,
	}
}

// SettingsDef overrides the default run settings field by field.
type SettingsDef struct {
	TargetWeight    *float64       `yaml:"target_weight"`
	CheckOffset     *float64       `yaml:"check_offset"`
	MinVelocity     *float64       `yaml:"min_velocity"`
	MaxVelocity     *float64       `yaml:"max_velocity"`
	CutoffFrequency *float64       `yaml:"cutoff_frequency"`
	SamplePeriod    *time.Duration `yaml:"sample_period"`
	Timeout         *time.Duration `yaml:"timeout"`
}

func (s SettingsDef) ToModel() model.DispenseSettings {
	out := model.DefaultDispenseSettings()
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&out.TargetWeight, s.TargetWeight)
	setF(&out.CheckOffset, s.CheckOffset)
	setF(&out.MinVelocity, s.MinVelocity)
	setF(&out.MaxVelocity, s.MaxVelocity)
	setF(&out.CutoffFrequency, s.CutoffFrequency)
	if s.SamplePeriod != nil {
		out.SamplePeriod = *s.SamplePeriod
	}
	if s.Timeout != nil {
		out.Timeout = *s.Timeout
	}
	return out
}

type Expected struct {
	Outcome      string   `yaml:"outcome"`
	Error        string   `yaml:"error,omitempty"` // apperr kind name
	MinDelivered *float64 `yaml:"min_delivered,omitempty"`
	MaxDelivered *float64 `yaml:"max_delivered,omitempty"`
	Checks       *int     `yaml:"checks,omitempty"`
}

type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Plant       PlantDef    `yaml:"plant"`
	Settings    SettingsDef `yaml:"settings"`
	Expected    Expected    `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}
