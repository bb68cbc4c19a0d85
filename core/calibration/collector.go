// Package calibration gathers reference-weight trials from the scale's load
// cells and turns them into conversion coefficients.
package calibration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/arbiter"
	"github.com/kilianp07/dispense/core/logger"
	"github.com/kilianp07/dispense/core/metrics"
	"github.com/kilianp07/dispense/core/model"
)

// Fitter computes coefficients from a set of trials.
type Fitter interface {
	Fit(ctx context.Context, data model.CalibrationData) (model.Coefficients, error)
}

// CoefficientSource looks up stored coefficients for a scale.
type CoefficientSource interface {
	Coefficients(ctx context.Context, scaleID int) (model.Coefficients, error)
}

// Option configures a Collector.
type Option func(*Collector)

// WithFitter sets the fitter used by Calibrate.
func WithFitter(f Fitter) Option { return func(c *Collector) { c.fitter = f } }

// WithSource sets where FetchCoefficients looks up coefficients.
func WithSource(s CoefficientSource) Option { return func(c *Collector) { c.source = s } }

// WithClock replaces the wall clock used for trial timestamps.
func WithClock(clk clock.Clock) Option { return func(c *Collector) { c.clock = clk } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(c *Collector) { c.log = logger.OrNop(l) } }

// WithMetricsSink records every trial on sinks implementing
// metrics.TrialRecorder.
func WithMetricsSink(s metrics.MetricsSink) Option { return func(c *Collector) { c.sink = s } }

// Collector accumulates calibration trials for the connected scale.
type Collector struct {
	arb    *arbiter.Arbiter
	fitter Fitter
	source CoefficientSource
	clock  clock.Clock
	log    logger.Logger
	sink   metrics.MetricsSink

	mu   sync.Mutex
	data *model.CalibrationData
}

// NewCollector returns a Collector taking the scale from arb. Without a
// fitter, Calibrate uses LeastSquares.
func NewCollector(arb *arbiter.Arbiter, opts ...Option) *Collector {
	c := &Collector{
		arb:    arb,
		fitter: LeastSquares{},
		clock:  clock.New(),
		log:    logger.NopLogger{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CollectTrial takes per-load-cell medians of samples readings with weight
// on the platform and appends the trial to the scale's calibration data.
// The scale is returned to the arbiter before the trial is recorded.
func (c *Collector) CollectTrial(ctx context.Context, samples int, weight float64, period time.Duration) (model.CalibrationTrial, error) {
	if samples == 0 {
		return model.CalibrationTrial{}, apperr.New(apperr.ZeroSamples, "calibration.trial")
	}
	h, err := c.arb.CheckoutScale()
	if err != nil {
		return model.CalibrationTrial{}, err
	}
	scale := h.Scale()
	readings, err := func() ([model.LoadCells]float64, error) {
		if err := scale.SetSampleInterval(period); err != nil {
			return [model.LoadCells]float64{}, err
		}
		return scale.LoadCellMedians(ctx, samples, period)
	}()
	if rerr := c.arb.ReturnScale(h); rerr != nil {
		c.log.Errorf("return scale after trial: %v", rerr)
	}
	if err != nil {
		return model.CalibrationTrial{}, apperr.Hardware("calibration.trial", err)
	}

	now := c.clock.Now()
	trial := model.NewCalibrationTrial(readings, weight, now)
	c.mu.Lock()
	if c.data == nil || c.data.PhidgetID != scale.ID() {
		c.data = model.NewCalibrationData(scale.ID())
	}
	c.data.AddTrial(trial)
	n := len(c.data.Trials)
	c.mu.Unlock()

	if rec, ok := c.sink.(metrics.TrialRecorder); ok {
		if err := rec.RecordTrial(metrics.TrialRecord{ScaleID: scale.ID(), Weight: weight, Readings: readings, Time: now}); err != nil {
			c.log.Warnf("record trial: %v", err)
		}
	}
	c.log.Infow("calibration trial", map[string]any{"scale_id": scale.ID(), "weight": weight, "trials": n})
	return trial, nil
}

// Data returns a copy of the trials collected so far. It fails with
// NoScale before the first trial.
func (c *Collector) Data() (model.CalibrationData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return model.CalibrationData{}, apperr.New(apperr.NoScale, "calibration.data")
	}
	return c.data.Clone(), nil
}

// Reset discards the collected trials.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.data = nil
	c.mu.Unlock()
}

// Calibrate fits coefficients to the collected trials. It does not apply
// them; FetchCoefficients or the arbiter does.
func (c *Collector) Calibrate(ctx context.Context) (model.Coefficients, error) {
	data, err := c.Data()
	if err != nil {
		return model.Coefficients{}, err
	}
	coeffs, err := c.fitter.Fit(ctx, data)
	if err != nil {
		return model.Coefficients{}, fmt.Errorf("calibrate scale %d: %w", data.PhidgetID, err)
	}
	c.log.Infof("calibrated scale %d from %d trials: %v", data.PhidgetID, len(data.Trials), coeffs.Coefficients)
	return coeffs, nil
}

// FetchCoefficients looks up the stored coefficients of the connected scale
// and applies them.
func (c *Collector) FetchCoefficients(ctx context.Context) (model.Coefficients, error) {
	if c.source == nil {
		return model.Coefficients{}, apperr.Errorf("calibration.fetch", "no coefficient source configured")
	}
	id, err := c.arb.ScaleID()
	if err != nil {
		return model.Coefficients{}, err
	}
	coeffs, err := c.source.Coefficients(ctx, id)
	if err != nil {
		return model.Coefficients{}, err
	}
	if err := c.arb.UpdateCoefficients(coeffs); err != nil {
		return model.Coefficients{}, err
	}
	return coeffs, nil
}
