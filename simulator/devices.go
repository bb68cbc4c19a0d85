package simulator

import (
	"context"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/kilianp07/dispense/core/device"
	"github.com/kilianp07/dispense/core/model"
)

// Scale is the simulated load-cell scale.
type Scale struct{ p *Plant }

func (s *Scale) ID() int { return s.p.cfg.ScaleID }

func (s *Scale) Weight(ctx context.Context) (float64, error) { return s.p.read(ctx, false) }

// MedianWeight reads n samples at the configured interval. The period
// argument is accepted for interface parity; the interval is set with
// SetSampleInterval.
func (s *Scale) MedianWeight(ctx context.Context, n int, _ time.Duration) (float64, error) {
	return s.p.median(ctx, n)
}

// RawLoadCells splits the mass over the cells by the load distribution and
// converts it with the true cell gains.
func (s *Scale) RawLoadCells(ctx context.Context) ([model.LoadCells]float64, error) {
	return s.rawLoadCells(ctx, false)
}

func (s *Scale) rawLoadCells(ctx context.Context, paced bool) ([model.LoadCells]float64, error) {
	w, err := s.p.read(ctx, paced)
	if err != nil {
		return [model.LoadCells]float64{}, err
	}
	s.p.mu.Lock()
	dist := s.p.dist
	s.p.mu.Unlock()
	var out [model.LoadCells]float64
	for i, g := range s.p.cfg.CellGains {
		out[i] = w * dist[i] / g
	}
	return out, nil
}

func (s *Scale) LoadCellMedians(ctx context.Context, n int, _ time.Duration) ([model.LoadCells]float64, error) {
	var cells [model.LoadCells][]float64
	for i := 0; i < n; i++ {
		raw, err := s.rawLoadCells(ctx, true)
		if err != nil {
			return [model.LoadCells]float64{}, err
		}
		for c := range raw {
			cells[c] = append(cells[c], raw[c])
		}
	}
	var out [model.LoadCells]float64
	for c := range cells {
		m, err := stats.Median(cells[c])
		if err != nil {
			return [model.LoadCells]float64{}, err
		}
		out[c] = m
	}
	return out, nil
}

func (s *Scale) SetSampleInterval(period time.Duration) error {
	s.p.mu.Lock()
	s.p.period = period
	s.p.mu.Unlock()
	return nil
}

func (s *Scale) SetCoefficients(c model.Coefficients) {
	s.p.mu.Lock()
	s.p.coeffs = &c
	s.p.mu.Unlock()
}

// Coefficients returns the last coefficients applied to the scale.
func (s *Scale) Coefficients() (model.Coefficients, bool) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.coeffs == nil {
		return model.Coefficients{}, false
	}
	return *s.p.coeffs, true
}

func (s *Scale) Close() error { return nil }

// Motor is the simulated feed motor.
type Motor struct{ p *Plant }

func (m *Motor) SetVelocity(_ context.Context, v float64) error {
	return m.p.motorCommand(func() {
		m.p.velocity = v
		m.p.stats.VelocitySets++
		m.p.stats.Velocities = append(m.p.stats.Velocities, v)
	})
}

func (m *Motor) RelativeMove(_ context.Context, distance float64) error {
	return m.p.motorCommand(func() {
		m.p.remaining = distance
		m.p.moving = distance > 0
		m.p.stats.Moves++
	})
}

func (m *Motor) AbruptStop(context.Context) error {
	return m.p.motorCommand(func() {
		m.p.moving = false
		m.p.remaining = 0
		m.p.stats.AbruptStops++
	})
}

func (m *Motor) Enable(context.Context) error {
	m.p.mu.Lock()
	defer m.p.mu.Unlock()
	if m.p.motorErr != nil {
		return m.p.motorErr
	}
	m.p.enabled = true
	return nil
}

func (m *Motor) Disable(context.Context) error {
	m.p.mu.Lock()
	defer m.p.mu.Unlock()
	if m.p.motorErr != nil {
		return m.p.motorErr
	}
	m.p.step(m.p.clock.Now())
	m.p.enabled = false
	m.p.moving = false
	return nil
}

// Controller is the simulated motor controller. Every axis drives the
// same plant.
type Controller struct {
	p         *Plant
	once      sync.Once
	connected chan struct{}
}

// Run reports the link up at once and holds it until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	c.once.Do(func() { close(c.connected) })
	<-ctx.Done()
	return ctx.Err()
}

func (c *Controller) Connected() <-chan struct{} { return c.connected }

func (c *Controller) Motor(int) device.Motor { return &Motor{p: c.p} }

var (
	_ device.Scale           = (*Scale)(nil)
	_ device.Calibratable    = (*Scale)(nil)
	_ device.Motor           = (*Motor)(nil)
	_ device.MotorController = (*Controller)(nil)
)
