// Package config loads the dispenser service configuration with koanf.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/dispense/core/dispense/runlog"
	"github.com/kilianp07/dispense/core/metrics"
	"github.com/kilianp07/dispense/infra/logger"
	"github.com/kilianp07/dispense/infra/monitoring"
	"github.com/kilianp07/dispense/infra/mqtt"
)

type Config struct {
	Devices     DevicesConfig     `json:"devices"`
	Dispense    DispenseConfig    `json:"dispense"`
	Calibration CalibrationConfig `json:"calibration"`
	MQTT        mqtt.Config       `json:"mqtt"`
	Metrics     metrics.Config    `json:"metrics"`
	Logging     logger.Config     `json:"logging"`
	RunLog      runlog.Config     `json:"runlog"`
	HTTP        HTTPConfig        `json:"http"`
	Sentry      monitoring.Config `json:"sentry"`
}

// Default returns a configuration with every section defaulted, as used
// when no file is given.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

// Load reads path (yaml or json), applies K_ prefixed environment overrides
// ("K_MQTT__BROKER" sets mqtt.broker), then defaults and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields of every section.
func (c *Config) SetDefaults() {
	c.Devices.SetDefaults()
	c.Dispense.SetDefaults()
	c.Calibration.SetDefaults()
	c.MQTT.SetDefaults()
	c.RunLog.SetDefaults()
	c.HTTP.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Devices.Validate(); err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	if err := c.Dispense.Validate(); err != nil {
		return fmt.Errorf("dispense: %w", err)
	}
	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.RunLog.Validate(); err != nil {
		return fmt.Errorf("runlog: %w", err)
	}
	if c.Metrics.SampleEvery < 0 {
		return fmt.Errorf("metrics: sample_every must not be negative")
	}
	return nil
}
