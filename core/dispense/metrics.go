package dispense

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal      *prometheus.CounterVec
	deliveredMass  prometheus.Histogram
	runDuration    *prometheus.HistogramVec
	stopChecks     prometheus.Counter
	feedVelocity   prometheus.Gauge
	samplesTotal   prometheus.Counter
	motorCmdErrors *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Histogram, *prometheus.HistogramVec, prometheus.Counter, prometheus.Gauge, prometheus.Counter, *prometheus.CounterVec) {
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispense_runs_total",
			Help: "Number of dispense runs by outcome",
		},
		[]string{"outcome"},
	)
	delivered := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispense_delivered_weight",
			Help:    "Mass delivered per completed run",
			Buckets: prometheus.LinearBuckets(0, 10, 12),
		},
	)
	dur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispense_run_duration_seconds",
			Help:    "Duration of dispense runs from baseline to stop",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		},
		[]string{"outcome"},
	)
	checks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispense_stop_checks_total",
			Help: "Number of stop-and-confirm checks",
		},
	)
	vel := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispense_feed_velocity",
			Help: "Last velocity set-point issued to the feed motor",
		},
	)
	samples := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispense_samples_total",
			Help: "Number of filtered samples recorded",
		},
	)
	motorErr := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispense_motor_command_errors_total",
			Help: "Number of failed motor commands",
		},
		[]string{"command"},
	)
	return runs, delivered, dur, checks, vel, samples, motorErr
}

func init() {
	runsTotal, deliveredMass, runDuration, stopChecks, feedVelocity, samplesTotal, motorCmdErrors = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispense metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(runsTotal, deliveredMass, runDuration, stopChecks, feedVelocity, samplesTotal, motorCmdErrors)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	runsTotal, deliveredMass, runDuration, stopChecks, feedVelocity, samplesTotal, motorCmdErrors = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
