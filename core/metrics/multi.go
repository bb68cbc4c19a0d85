package metrics

import "errors"

// MultiSink fans records out to several sinks. Every sink receives the
// record even when an earlier one fails; the errors are joined.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

func (m *MultiSink) RecordRun(r RunRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.RecordRun(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordSample forwards to sinks implementing SampleRecorder.
func (m *MultiSink) RecordSample(sr SampleRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(SampleRecorder); ok {
			if err := rec.RecordSample(sr); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RecordTrial forwards to sinks implementing TrialRecorder.
func (m *MultiSink) RecordTrial(t TrialRecord) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(TrialRecorder); ok {
			if err := rec.RecordTrial(t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
