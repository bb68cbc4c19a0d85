package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispenseSettingsValidate(t *testing.T) {
	assert.NoError(t, DefaultDispenseSettings().Validate())

	cases := map[string]func(*DispenseSettings){
		"zero period":     func(s *DispenseSettings) { s.SamplePeriod = 0 },
		"zero target":     func(s *DispenseSettings) { s.TargetWeight = 0 },
		"inverted speeds": func(s *DispenseSettings) { s.MinVelocity, s.MaxVelocity = 0.6, 0.5 },
		"zero cutoff":     func(s *DispenseSettings) { s.CutoffFrequency = 0 },
		"zero timeout":    func(s *DispenseSettings) { s.Timeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := DefaultDispenseSettings()
			mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestDispenseSettingsWireFormat(t *testing.T) {
	s := DefaultDispenseSettings()
	b, err := json.Marshal(s)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	for _, k := range []string{"sample_period", "cutoff_frequency", "check_offset", "target_weight", "min_velocity", "max_velocity", "timeout"} {
		assert.Contains(t, fields, k)
	}
	assert.Equal(t, map[string]any{"secs": 0.0, "nanos": 80e6}, fields["sample_period"])

	var back DispenseSettings
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, s, back)
}

func TestDispenseSettingsLegacyInput(t *testing.T) {
	in := `{"sample_period":{"secs":0,"nanos":40000000},"weight":20,"timeout":"5s","max_velocity":1}`
	var s DispenseSettings
	require.NoError(t, json.Unmarshal([]byte(in), &s))
	assert.Equal(t, 40*time.Millisecond, s.SamplePeriod)
	assert.Equal(t, 20.0, s.TargetWeight)
	assert.Equal(t, 5*time.Second, s.Timeout)
	assert.Equal(t, 1.0, s.MaxVelocity)
	// absent keys keep their defaults
	assert.Equal(t, 2.0, s.CutoffFrequency)
	assert.Equal(t, 0.1, s.MinVelocity)
}

func TestDispenseSettingsOverlayKeepsBase(t *testing.T) {
	s := DefaultDispenseSettings()
	s.TargetWeight = 30
	s.MaxVelocity = 0.8
	require.NoError(t, s.Overlay([]byte(`{"timeout":"5s"}`)))
	assert.Equal(t, 30.0, s.TargetWeight)
	assert.Equal(t, 0.8, s.MaxVelocity)
	assert.Equal(t, 5*time.Second, s.Timeout)

	require.NoError(t, s.Overlay([]byte(`{"weight":12}`)))
	assert.Equal(t, 12.0, s.TargetWeight)
	assert.Error(t, s.Overlay([]byte(`{`)))
}

func TestDurationNumberIsMilliseconds(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`250`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Std())
}

func TestThresholds(t *testing.T) {
	s := DefaultDispenseSettings()
	assert.Equal(t, 45.0, s.StopThreshold(100))
	assert.Equal(t, 50.0, s.TargetThreshold(100))
}

func TestClampVelocity(t *testing.T) {
	s := DefaultDispenseSettings()
	assert.Equal(t, s.MaxVelocity, s.ClampVelocity(120, 100))
	assert.InDelta(t, 0.25, s.ClampVelocity(75, 100), 1e-9)
	assert.Equal(t, s.MinVelocity, s.ClampVelocity(52, 100))
	assert.Equal(t, s.MinVelocity, s.ClampVelocity(10, 100))
}

func TestDataCapacity(t *testing.T) {
	d := NewData(3)
	for i := 0; i < 5; i++ {
		d.Push(time.Duration(i)*time.Millisecond, float64(i))
	}
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, 2, d.Dropped())
	el, v, ok := d.Last()
	require.True(t, ok)
	assert.Equal(t, 2*time.Millisecond, el)
	assert.Equal(t, 2.0, v)
}

func TestDataJSON(t *testing.T) {
	d := NewData(0)
	d.Push(80*time.Millisecond, 199.5)
	d.Push(1500*time.Millisecond, 198.25)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"readings":[199.5,198.25],"times":[{"secs":0,"nanos":80000000},{"secs":1,"nanos":500000000}]}`, string(b))

	var back Data
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, d.Times(), back.Times())
	assert.Equal(t, d.Readings(), back.Readings())

	assert.Error(t, json.Unmarshal([]byte(`{"readings":[1],"times":[]}`), &back))
}

func TestDataDropFirst(t *testing.T) {
	d := NewData(10)
	d.DropFirst()
	d.Push(0, 1)
	d.Push(time.Millisecond, 2)
	d.DropFirst()
	assert.Equal(t, []float64{2}, d.Readings())
}

func TestCoefficients(t *testing.T) {
	c, err := ParseCoefficients([]byte(`{"coefficients":[1,2,3,4]}`))
	require.NoError(t, err)
	assert.Equal(t, 10.0, c.Weight([LoadCells]float64{1, 1, 1, 1}))

	_, err = ParseCoefficients([]byte(`nope`))
	assert.Error(t, err)
}

func TestCalibrationDataClone(t *testing.T) {
	cd := NewCalibrationData(42)
	cd.AddTrial(NewCalibrationTrial([LoadCells]float64{1, 2, 3, 4}, 100, time.Unix(10, 0)))
	cl := cd.Clone()
	cl.Trials[0].Readings[0] = 99
	assert.Equal(t, 1.0, cd.Trials[0].Readings[0])
	assert.Equal(t, 42, cl.PhidgetID)
	assert.Equal(t, 10*time.Second, cd.Trials[0].Timestamp.Std())
}
