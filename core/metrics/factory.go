package metrics

import (
	"fmt"

	"github.com/kilianp07/dispense/core/factory"
)

// sinkRegistry holds the run and calibration sink backends. infra/metrics
// registers nop, prometheus and influx from its init.
var sinkRegistry = factory.NewRegistry[MetricsSink]()

// RegisterMetricsSink makes a sink backend selectable by name in the
// metrics.sinks section.
func RegisterMetricsSink(name string, f factory.Factory[MetricsSink]) error {
	return sinkRegistry.Register(name, f)
}

// SinkTypes lists the registered sink backends.
func SinkTypes() []string { return sinkRegistry.Types() }

// NewMetricsSink builds the sink that receives dispense runs, sampled
// feed readings and calibration trials. No entry yields a NopSink and
// several entries fan out through a MultiSink.
func NewMetricsSink(cfgs []factory.ModuleConfig) (MetricsSink, error) {
	sinks := make([]MetricsSink, 0, len(cfgs))
	for i, c := range cfgs {
		s, err := sinkRegistry.Create(c)
		if err != nil {
			return nil, fmt.Errorf("metrics sink %d (%s): %w", i, c.Type, err)
		}
		sinks = append(sinks, s)
	}
	switch len(sinks) {
	case 0:
		return NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return NewMultiSink(sinks...), nil
	}
}
