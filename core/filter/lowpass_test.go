package filter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLowPassDeterministic(t *testing.T) {
	in := []float64{200, 199.2, 201.5, 197.9, 196, 198.4, 195.1, 194.8}
	a := New(12.5, 2)
	b := New(12.5, 2)
	a.Seed(200)
	b.Seed(200)
	for _, x := range in {
		assert.Equal(t, a.Apply(x), b.Apply(x))
	}
}

func TestLowPassFirstApplySeeds(t *testing.T) {
	f := New(12.5, 2)
	assert.False(t, f.Seeded())
	assert.Equal(t, 42.0, f.Apply(42))
	assert.True(t, f.Seeded())
}

func TestLowPassAlpha(t *testing.T) {
	f := New(12.5, 2)
	rc := 1 / (2 * math.Pi * 2)
	assert.InDelta(t, 0.08/(rc+0.08), f.Alpha(), 1e-12)
}

func TestLowPassConvergesToStep(t *testing.T) {
	f := New(100, 5)
	f.Seed(0)
	var y float64
	for i := 0; i < 200; i++ {
		y = f.Apply(10)
	}
	assert.InDelta(t, 10, y, 1e-6)
}

func TestLowPassSmoothsNoise(t *testing.T) {
	f := New(12.5, 2)
	f.Seed(100)
	// alternating +-1 noise around 100 comes out with a smaller swing
	var maxDev float64
	for i := 0; i < 50; i++ {
		x := 100.0 + 1
		if i%2 == 1 {
			x = 99
		}
		maxDev = math.Max(maxDev, math.Abs(f.Apply(x)-100))
	}
	assert.Less(t, maxDev, 1.0)
}
