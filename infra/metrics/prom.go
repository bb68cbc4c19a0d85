package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/dispense/core/metrics"
)

// PromSink exposes the latest run and calibration state as Prometheus
// metrics. Run counters live with the controller; the sink keeps gauges
// of the most recent values.
type PromSink struct {
	delivered *prometheus.GaugeVec
	weight    prometheus.Gauge
	velocity  prometheus.Gauge
	trials    *prometheus.CounterVec
}

// NewPromSink registers the sink metrics on the default Prometheus registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	delivered := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispense_last_delivered_weight",
		Help: "Mass delivered by the most recent run, by outcome",
	}, []string{"outcome"})
	weight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scale_filtered_weight",
		Help: "Most recent filtered scale weight during a run",
	})
	velocity := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispense_sampled_velocity",
		Help: "Feed velocity at the most recent recorded sample",
	})
	trials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calibration_trials_total",
		Help: "Number of calibration trials collected",
	}, []string{"scale_id"})

	var err error
	if delivered, err = register(reg, delivered); err != nil {
		return nil, err
	}
	if weight, err = register(reg, weight); err != nil {
		return nil, err
	}
	if velocity, err = register(reg, velocity); err != nil {
		return nil, err
	}
	if trials, err = register(reg, trials); err != nil {
		return nil, err
	}
	return &PromSink{delivered: delivered, weight: weight, velocity: velocity, trials: trials}, nil
}

// register returns the already registered collector when c is a duplicate.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (s *PromSink) RecordRun(r coremetrics.RunRecord) error {
	s.delivered.WithLabelValues(r.Outcome).Set(r.Delivered)
	return nil
}

func (s *PromSink) RecordSample(sr coremetrics.SampleRecord) error {
	s.weight.Set(sr.Filtered)
	s.velocity.Set(sr.Velocity)
	return nil
}

func (s *PromSink) RecordTrial(t coremetrics.TrialRecord) error {
	s.trials.WithLabelValues(strconv.Itoa(t.ScaleID)).Inc()
	return nil
}
