package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `devices:
  driver: simulated
  scale:
    port: /dev/ttyUSB1
  motor:
    address: "10.0.0.5:502"
    steps_per_unit: [400, 800]
  simulator:
    initial_weight: 250
dispense:
  target_weight: 20
  sample_period: 100ms
  settle: 1s
mqtt:
  enabled: true
  broker: "tcp://localhost:1883"
  node: bench1
metrics:
  sample_every: 10
  sinks:
    - type: "nop"
runlog:
  backend: sqlite
  path: runs.db
http:
  enabled: true
  token: secret
calibration:
  backend:
    url: "https://cal.example.com/fn"
    auth:
      token_url: "https://auth.example.com/token"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"driver", cfg.Devices.Driver, "simulated"},
		{"scale.port", cfg.Devices.Scale.Port, "/dev/ttyUSB1"},
		{"scale.baud", cfg.Devices.Scale.Baud, 115200},
		{"motor.address", cfg.Devices.Motor.Address, "10.0.0.5:502"},
		{"motor.steps", cfg.Devices.Motor.StepsPerUnit[0], 400.0},
		{"sim.weight", cfg.Devices.Simulator.InitialWeight, 250.0},
		{"connect_settle", cfg.Devices.ConnectSettle, 5 * time.Second},
		{"target", cfg.Dispense.TargetWeight, 20.0},
		{"period", cfg.Dispense.SamplePeriod, 100 * time.Millisecond},
		{"settle", cfg.Dispense.Settle, time.Second},
		{"cutoff default", cfg.Dispense.CutoffFrequency, 2.0},
		{"mqtt.node", cfg.MQTT.Node, "bench1"},
		{"mqtt.client_id", cfg.MQTT.ClientID, "dispensed"},
		{"metrics_sink", len(cfg.Metrics.Sinks) == 1 && cfg.Metrics.Sinks[0].Type == "nop", true},
		{"sample_every", cfg.Metrics.SampleEvery, 10},
		{"runlog", cfg.RunLog.Backend, "sqlite"},
		{"http.address", cfg.HTTP.Address, ":8080"},
		{"http.token", cfg.HTTP.Token, "secret"},
		{"backend.url", cfg.Calibration.Backend.URL, "https://cal.example.com/fn"},
		{"backend.timeout", cfg.Calibration.Backend.Timeout, 60 * time.Second},
		{"backend.auth", cfg.Calibration.Backend.Auth.Enabled(), true},
		{"calibration.samples", cfg.Calibration.Samples, 100},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s mismatch: %v", c.name, c.got)
		}
	}
}

func TestLoadJSONWithEnvOverride(t *testing.T) {
	path := writeConfig(t, "config.json", `{"dispense": {"target_weight": 30}}`)
	t.Setenv("K_DISPENSE__TARGET_WEIGHT", "45")
	t.Setenv("K_MQTT__BROKER", "tcp://broker:1883")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45.0, cfg.Dispense.TargetWeight)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "hardware", cfg.Devices.Driver)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":   "devices:\n  driver: quantum\n",
		"velocity": "dispense:\n  min_velocity: 2\n  max_velocity: 1\n",
		"mqtt":     "mqtt:\n  enabled: true\n",
		"runlog":   "runlog:\n  backend: csv\n",
		"logging":  "logging:\n  level: loud\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", data))
			assert.Error(t, err)
		})
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	_, err := Load(writeConfig(t, "c.toml", ""))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	s := cfg.Dispense.Settings()
	assert.Equal(t, 50.0, s.TargetWeight)
	assert.Equal(t, 30*time.Second, s.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Dispense.Settle)
	assert.Equal(t, "hardware", cfg.Devices.Driver)
}
