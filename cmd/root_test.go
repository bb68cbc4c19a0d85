package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/dispense/core/model"
)

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		cfgPath = ""
		simulate = false
	})
}

func TestLoadConfigDefaultsAndSimulate(t *testing.T) {
	resetFlags(t)
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "hardware", cfg.Devices.Driver)

	simulate = true
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "simulated", cfg.Devices.Driver)
}

func TestLoadConfigFile(t *testing.T) {
	resetFlags(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispense:\n  target_weight: 12\n"), 0o600))
	cfgPath = path
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 12.0, cfg.Dispense.TargetWeight)

	cfgPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestScaleReadSimulated(t *testing.T) {
	resetFlags(t)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"scale", "read", "--simulate", "--samples", "4", "--period", "5ms"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute())

	var data model.Data
	require.NoError(t, json.Unmarshal(out.Bytes(), &data))
	assert.Equal(t, 3, data.Len())
}
