package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// LoadCells is the number of load cells under the scale platform.
const LoadCells = 4

// CalibrationTrial is one set of per-load-cell medians taken with a known
// reference weight on the platform.
type CalibrationTrial struct {
	Readings  []float64 `json:"readings"`
	Weight    float64   `json:"weight"`
	Timestamp Duration  `json:"timestamp"` // since the Unix epoch
}

// NewCalibrationTrial stamps readings with the reference weight and the
// wall-clock time.
func NewCalibrationTrial(readings [LoadCells]float64, weight float64, now time.Time) CalibrationTrial {
	return CalibrationTrial{
		Readings:  readings[:],
		Weight:    weight,
		Timestamp: Duration(time.Duration(now.UnixNano())),
	}
}

// CalibrationData accumulates trials for one scale.
type CalibrationData struct {
	Trials    []CalibrationTrial `json:"trials"`
	PhidgetID int                `json:"phidget_id"`
}

// NewCalibrationData starts an empty trial set for the scale.
func NewCalibrationData(scaleID int) *CalibrationData {
	return &CalibrationData{Trials: []CalibrationTrial{}, PhidgetID: scaleID}
}

// AddTrial appends a trial.
func (c *CalibrationData) AddTrial(t CalibrationTrial) {
	c.Trials = append(c.Trials, t)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *CalibrationData) Clone() CalibrationData {
	out := CalibrationData{PhidgetID: c.PhidgetID, Trials: make([]CalibrationTrial, len(c.Trials))}
	for i, t := range c.Trials {
		t.Readings = append([]float64(nil), t.Readings...)
		out.Trials[i] = t
	}
	return out
}

// Coefficients convert per-load-cell readings into a weight:
// weight = sum(c[i] * reading[i]).
type Coefficients struct {
	Coefficients [LoadCells]float64 `json:"coefficients"`
}

// Weight applies the coefficients to raw readings.
func (c Coefficients) Weight(raw [LoadCells]float64) float64 {
	var w float64
	for i := range raw {
		w += c.Coefficients[i] * raw[i]
	}
	return w
}

// ParseCoefficients decodes a backend response.
func ParseCoefficients(b []byte) (Coefficients, error) {
	var c Coefficients
	if err := json.Unmarshal(b, &c); err != nil {
		return Coefficients{}, fmt.Errorf("decode coefficients: %w", err)
	}
	return c, nil
}
