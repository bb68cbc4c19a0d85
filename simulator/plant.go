// Package simulator couples a simulated scale and feed motor through a
// simple flow model: while the motor runs, mass leaves the scale at a rate
// proportional to the commanded velocity.
//
// When a *clock.Mock is attached, every scale read advances it by one sample
// period, so code driven by the same mock runs deterministically and as fast
// as the CPU allows.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"

	"github.com/kilianp07/dispense/core/model"
)

// Config holds parameters for the simulated plant.
type Config struct {
	ScaleID       int     `json:"scale_id"`
	InitialWeight float64 `json:"initial_weight"`
	// Gain is the mass delivered per sample period at velocity 1.
	Gain float64 `json:"gain"`
	// Noise is the half-width of the uniform reading noise.
	Noise        float64       `json:"noise"`
	SamplePeriod time.Duration `json:"sample_period"`
	// MedianBias offsets median readings, modelling a scale that settles
	// differently at rest.
	MedianBias float64 `json:"median_bias"`
	// CellGains are the true per-load-cell conversion factors.
	CellGains [model.LoadCells]float64 `json:"cell_gains"`
	Seed      int64                    `json:"seed"`
}

// SetDefaults fills unset fields, including a charged hopper and a
// flowing feed for the simulated driver.
func (c *Config) SetDefaults() {
	if c.InitialWeight == 0 {
		c.InitialWeight = 500
	}
	if c.Gain == 0 {
		c.Gain = 2
	}
	c.normalize()
}

// normalize fills the fields a plant cannot run without. A zero weight or
// gain stays zero.
func (c *Config) normalize() {
	if c.ScaleID == 0 {
		c.ScaleID = 716709
	}
	if c.SamplePeriod == 0 {
		c.SamplePeriod = 80 * time.Millisecond
	}
	if c.CellGains == [model.LoadCells]float64{} {
		c.CellGains = [model.LoadCells]float64{4e-4, 5e-4, 4.5e-4, 5.5e-4}
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
}

// Plant is the shared physical state behind the simulated devices.
type Plant struct {
	mu       sync.Mutex
	cfg      Config
	weight   float64
	period   time.Duration
	rng      *rand.Rand
	coeffs   *model.Coefficients
	dist     [model.LoadCells]float64
	scaleErr error
	readsOK  int // reads left before scaleErr applies; -1 means never

	enabled   bool
	moving    bool
	velocity  float64
	remaining float64
	motorErr  error
	last      time.Time

	clock clock.Clock
	mock  *clock.Mock

	stats Stats
}

// Stats counts the commands the plant received.
type Stats struct {
	Reads        int
	Medians      int
	VelocitySets int
	Moves        int
	AbruptStops  int
	Velocities   []float64
}

// New builds a plant running on the wall clock.
func New(cfg Config) *Plant {
	cfg.normalize()
	p := &Plant{
		cfg:     cfg,
		weight:  cfg.InitialWeight,
		period:  cfg.SamplePeriod,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		readsOK: -1,
		dist:    [model.LoadCells]float64{0.25, 0.25, 0.25, 0.25},
		enabled: true,
		clock:   clock.New(),
	}
	p.last = p.clock.Now()
	return p
}

// WithMock drives the plant, and whoever shares m, from a mock clock.
func (p *Plant) WithMock(m *clock.Mock) *Plant {
	p.mu.Lock()
	p.clock = m
	p.mock = m
	p.last = m.Now()
	p.mu.Unlock()
	return p
}

// Scale returns the simulated scale.
func (p *Plant) Scale() *Scale { return &Scale{p: p} }

// Controller returns the simulated motor controller.
func (p *Plant) Controller() *Controller {
	return &Controller{p: p, connected: make(chan struct{})}
}

// Weight returns the true mass on the scale.
func (p *Plant) Weight() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weight
}

// SetWeight replaces the mass on the scale, e.g. to refill the hopper.
func (p *Plant) SetWeight(w float64) {
	p.mu.Lock()
	p.weight = w
	p.mu.Unlock()
}

// SetLoadDistribution sets the share of the mass each load cell carries,
// e.g. when a reference weight sits off centre. Shares are normalised.
func (p *Plant) SetLoadDistribution(shares [model.LoadCells]float64) {
	var sum float64
	for _, s := range shares {
		sum += s
	}
	if sum <= 0 {
		return
	}
	p.mu.Lock()
	for i, s := range shares {
		p.dist[i] = s / sum
	}
	p.mu.Unlock()
}

// FailScaleAfter makes every scale read after the next n fail with err.
func (p *Plant) FailScaleAfter(n int, err error) {
	p.mu.Lock()
	p.readsOK = n
	p.scaleErr = err
	p.mu.Unlock()
}

// FailMotor makes every motor command fail with err. nil clears it.
func (p *Plant) FailMotor(err error) {
	p.mu.Lock()
	p.motorErr = err
	p.mu.Unlock()
}

// Stats returns a copy of the command counters.
func (p *Plant) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Velocities = append([]float64(nil), p.stats.Velocities...)
	return s
}

// step integrates the flow up to now. Callers hold mu.
func (p *Plant) step(now time.Time) {
	dt := now.Sub(p.last)
	p.last = now
	if !p.moving || dt <= 0 || p.period <= 0 {
		return
	}
	periods := float64(dt) / float64(p.period)
	travel := p.velocity * periods
	if travel > p.remaining {
		travel = p.remaining
	}
	p.remaining -= travel
	if p.remaining <= 0 {
		p.moving = false
	}
	p.weight -= p.cfg.Gain * travel
	if p.weight < 0 {
		p.weight = 0
	}
}

func (p *Plant) noise() float64 {
	if p.cfg.Noise == 0 {
		return 0
	}
	return (p.rng.Float64()*2 - 1) * p.cfg.Noise
}

// wait lets one sample period pass. On the wall clock single reads are
// not paced: the caller's own loop sets their rate.
func (p *Plant) wait(ctx context.Context, paced bool) error {
	p.mu.Lock()
	mock, period, clk := p.mock, p.period, p.clock
	p.mu.Unlock()
	if mock != nil {
		mock.Add(period)
		return ctx.Err()
	}
	if !paced {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(period):
		return nil
	}
}

// read takes one reading.
func (p *Plant) read(ctx context.Context, paced bool) (float64, error) {
	if err := p.wait(ctx, paced); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readsOK == 0 {
		return 0, p.scaleErr
	}
	if p.readsOK > 0 {
		p.readsOK--
	}
	p.step(p.clock.Now())
	p.stats.Reads++
	return p.weight + p.noise(), nil
}

func (p *Plant) median(ctx context.Context, n int) (float64, error) {
	if n <= 0 {
		return 0, errors.New("median of zero samples")
	}
	readings := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		w, err := p.read(ctx, true)
		if err != nil {
			return 0, err
		}
		readings = append(readings, w)
	}
	m, err := stats.Median(readings)
	if err != nil {
		return 0, fmt.Errorf("median: %w", err)
	}
	p.mu.Lock()
	p.stats.Medians++
	bias := p.cfg.MedianBias
	p.mu.Unlock()
	return m + bias, nil
}

func (p *Plant) motorCommand(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.motorErr != nil {
		return p.motorErr
	}
	if !p.enabled {
		return errors.New("motor disabled")
	}
	p.step(p.clock.Now())
	fn()
	return nil
}
