// Package app assembles the dispenser service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/kilianp07/dispense/app/plugins"
	"github.com/kilianp07/dispense/config"
	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/arbiter"
	"github.com/kilianp07/dispense/core/calibration"
	"github.com/kilianp07/dispense/core/device"
	"github.com/kilianp07/dispense/core/dispense"
	"github.com/kilianp07/dispense/core/dispense/runlog"
	"github.com/kilianp07/dispense/core/events"
	coremetrics "github.com/kilianp07/dispense/core/metrics"
	"github.com/kilianp07/dispense/core/model"
	coremon "github.com/kilianp07/dispense/core/monitoring"
	coremqtt "github.com/kilianp07/dispense/core/mqtt"
	"github.com/kilianp07/dispense/infra/backend"
	"github.com/kilianp07/dispense/infra/logger"
	"github.com/kilianp07/dispense/infra/metrics"
	"github.com/kilianp07/dispense/internal/eventbus"
)

// Service owns the arbiter, the dispense controller and the calibration
// collector, and wires them to metrics, the run log and the event bus.
type Service struct {
	cfg       *config.Config
	devices   plugins.Devices
	arb       *arbiter.Arbiter
	ctl       *dispense.Controller
	collector *calibration.Collector
	bus       *eventbus.TypedBus[events.Event]
	store     runlog.Store
	sink      coremetrics.MetricsSink
	clock     clock.Clock
	log       logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDevices replaces the devices built from the configured driver.
func WithDevices(d plugins.Devices) Option { return func(s *Service) { s.devices = d } }

// WithClock replaces the wall clock of the controller and the collector.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// New creates a Service from the configuration.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, clock: clock.New(), log: logger.New("service")}
	for _, o := range opts {
		o(s)
	}
	if s.devices.Scale == nil && s.devices.Motor == nil {
		d, err := plugins.Build(cfg.Devices)
		if err != nil {
			return nil, err
		}
		s.devices = d
	}
	if s.devices.Close == nil {
		s.devices.Close = func() error { return nil }
	}

	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	s.sink = sink

	store, err := runlog.New(cfg.RunLog)
	if err != nil {
		return nil, fmt.Errorf("run log: %w", err)
	}
	s.store = store

	s.bus = eventbus.NewTyped[events.Event]()
	s.arb = arbiter.New(s.devices.Motor,
		arbiter.WithConnectSettle(cfg.Devices.ConnectSettle),
		arbiter.WithScaleConnector(s.devices.Scale),
		arbiter.WithLogger(logger.New("arbiter")),
	)

	d := cfg.Dispense
	ctlOpts := []dispense.Option{
		dispense.WithClock(s.clock),
		dispense.WithSettle(d.Settle),
		dispense.WithLogger(logger.New("dispense")),
		dispense.WithEventBus(s.bus),
		dispense.WithSampleEvery(cfg.Metrics.SampleEvery),
	}
	if d.FeedDistance > 0 {
		ctlOpts = append(ctlOpts, dispense.WithFeedDistance(d.FeedDistance))
	}
	if d.VelocityUpdateInterval > 0 {
		ctlOpts = append(ctlOpts, dispense.WithVelocityUpdateInterval(d.VelocityUpdateInterval))
	}
	if d.MedianSamples > 0 {
		ctlOpts = append(ctlOpts, dispense.WithMedianSamples(d.MedianSamples))
	}
	if d.MaxChecks > 0 {
		ctlOpts = append(ctlOpts, dispense.WithMaxChecks(d.MaxChecks))
	}
	if store != nil {
		ctlOpts = append(ctlOpts, dispense.WithRunLog(store))
	}
	s.ctl = dispense.New(ctlOpts...)

	calOpts := []calibration.Option{
		calibration.WithClock(s.clock),
		calibration.WithLogger(logger.New("calibration")),
		calibration.WithMetricsSink(sink),
	}
	if cfg.Calibration.Backend.Enabled() {
		cli := backend.New(cfg.Calibration.Backend)
		calOpts = append(calOpts, calibration.WithFitter(cli), calibration.WithSource(cli))
	}
	s.collector = calibration.NewCollector(s.arb, calOpts...)
	return s, nil
}

// Start runs the background consumers until ctx is done: the metrics
// collector forwarding run events to the configured sinks.
func (s *Service) Start(ctx context.Context) <-chan struct{} {
	return metrics.StartEventCollector(ctx, s.bus, s.sink)
}

// DefaultSettings returns the configured run settings.
func (s *Service) DefaultSettings() model.DispenseSettings { return s.cfg.Dispense.Settings() }

// Dispense runs one dispense and returns the recorded series.
func (s *Service) Dispense(ctx context.Context, settings model.DispenseSettings) (model.Data, error) {
	res, err := s.Run(ctx, settings)
	if res.Data == nil {
		return model.Data{}, err
	}
	return *res.Data, err
}

// Run checks out the scale, dispenses with the configured motor axis and
// returns the scale on every path.
func (s *Service) Run(ctx context.Context, settings model.DispenseSettings) (dispense.Result, error) {
	h, err := s.arb.CheckoutScale()
	if err != nil {
		return dispense.Result{Outcome: dispense.Failed}, err
	}
	motor := s.arb.Motor(ctx, s.cfg.Dispense.Axis)
	res, back, err := s.ctl.Dispense(ctx, h, motor, settings)
	if back != nil {
		if rerr := s.arb.ReturnScale(back); rerr != nil {
			s.log.Errorf("return scale after run %s: %v", res.RunID, rerr)
		}
	}
	if err != nil && !errors.Is(err, apperr.ErrCancelled) {
		coremon.CaptureException(err, map[string]string{"module": "dispense", "run_id": res.RunID})
	}
	return res, err
}

// HandleCommand runs an MQTT dispense command. Settings the command leaves
// out keep their configured value.
func (s *Service) HandleCommand(ctx context.Context, cmd coremqtt.Command) coremqtt.Reply {
	settings, err := cmd.SettingsOver(s.DefaultSettings())
	if err != nil {
		return coremqtt.Reply{
			CommandID: cmd.CommandID,
			Outcome:   string(dispense.Failed),
			Error:     apperr.Wrap(apperr.Serialization, "command.settings", err).Error(),
		}
	}
	res, err := s.Run(ctx, settings)
	reply := coremqtt.Reply{
		CommandID: cmd.CommandID,
		RunID:     res.RunID,
		Outcome:   string(res.Outcome),
		Delivered: res.Delivered,
		Data:      res.Data,
	}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

// Read conducts a sampling request on the scale.
func (s *Service) Read(ctx context.Context, req calibration.DataRequest) (*model.Data, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	h, err := s.arb.CheckoutScale()
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := s.arb.ReturnScale(h); rerr != nil {
			s.log.Errorf("return scale after read: %v", rerr)
		}
	}()
	return req.Conduct(ctx, h.Scale(), s.clock)
}

// ConnectScale opens the scale through the configured driver.
func (s *Service) ConnectScale(ctx context.Context) error { return s.arb.ConnectScale(ctx) }

// DropScale closes the held scale.
func (s *Service) DropScale() error { return s.arb.DropScale() }

// Motor returns the configured dispense axis.
func (s *Service) Motor(ctx context.Context) device.Motor {
	return s.arb.Motor(ctx, s.cfg.Dispense.Axis)
}

// Status renders the arbiter state.
func (s *Service) Status() string { return s.arb.Status() }

// Calibration returns the trial collector.
func (s *Service) Calibration() *calibration.Collector { return s.collector }

// CollectTrial records one calibration trial with weight on the platform,
// using the configured sample count and period when samples is zero.
func (s *Service) CollectTrial(ctx context.Context, samples int, weight float64) (model.CalibrationTrial, error) {
	if samples == 0 {
		samples = s.cfg.Calibration.Samples
	}
	return s.collector.CollectTrial(ctx, samples, weight, s.cfg.Calibration.Period)
}

// CalibrationData returns the trials collected so far.
func (s *Service) CalibrationData() (model.CalibrationData, error) { return s.collector.Data() }

// Calibrate fits coefficients to the collected trials and applies them to
// the held scale.
func (s *Service) Calibrate(ctx context.Context) (model.Coefficients, error) {
	coeffs, err := s.collector.Calibrate(ctx)
	if err != nil {
		return coeffs, err
	}
	if err := s.arb.UpdateCoefficients(coeffs); err != nil {
		return coeffs, err
	}
	return coeffs, nil
}

// FetchCoefficients applies the stored coefficients of the connected scale.
func (s *Service) FetchCoefficients(ctx context.Context) (model.Coefficients, error) {
	return s.collector.FetchCoefficients(ctx)
}

// Runs queries the run log.
func (s *Service) Runs(ctx context.Context, q runlog.Query) ([]runlog.Record, error) {
	if s.store == nil {
		return nil, apperr.Errorf("runs.query", "run log disabled")
	}
	return s.store.Query(ctx, q)
}

// Bus returns the run event bus.
func (s *Service) Bus() *eventbus.TypedBus[events.Event] { return s.bus }

// Close stops the motor link, closes the scale and the stores.
func (s *Service) Close() error {
	var errs []error
	errs = append(errs, s.arb.Close())
	s.bus.Close()
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	errs = append(errs, s.devices.Close())
	return errors.Join(errs...)
}
