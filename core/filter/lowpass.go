// Package filter smooths noisy weight readings into a feedback signal.
package filter

import "math"

// LowPass is a single-pole (RC) low-pass filter. It is not safe for
// concurrent use.
type LowPass struct {
	sampleRate float64
	cutoff     float64
	alpha      float64
	value      float64
	seeded     bool
}

// New returns a filter for the given sample rate and cutoff, both in Hz.
func New(sampleRate, cutoff float64) *LowPass {
	dt := 1 / sampleRate
	rc := 1 / (2 * math.Pi * cutoff)
	return &LowPass{
		sampleRate: sampleRate,
		cutoff:     cutoff,
		alpha:      dt / (rc + dt),
	}
}

// Seed sets the filter state. Seed with a median of several readings: a
// single noisy reading biases every following output.
func (f *LowPass) Seed(v float64) {
	f.value = v
	f.seeded = true
}

// Apply feeds one reading and returns the smoothed value. An unseeded
// filter takes its first reading as the state.
func (f *LowPass) Apply(x float64) float64 {
	if !f.seeded {
		f.Seed(x)
		return x
	}
	f.value += f.alpha * (x - f.value)
	return f.value
}

// Value returns the current state.
func (f *LowPass) Value() float64 { return f.value }

// Seeded reports whether the filter holds a state.
func (f *LowPass) Seeded() bool { return f.seeded }

// Alpha returns the smoothing factor.
func (f *LowPass) Alpha() float64 { return f.alpha }

// SampleRate returns the configured sample rate in Hz.
func (f *LowPass) SampleRate() float64 { return f.sampleRate }

// Cutoff returns the configured cutoff in Hz.
func (f *LowPass) Cutoff() float64 { return f.cutoff }

// Reset discards the state and seeds the filter with v.
func (f *LowPass) Reset(v float64) { f.Seed(v) }
