package metrics

import "time"

// RunRecord summarises one dispense run.
type RunRecord struct {
	RunID          string
	Outcome        string
	TargetWeight   float64
	StartingWeight float64
	FinalWeight    float64
	Delivered      float64
	Checks         int
	Samples        int
	Duration       time.Duration
	Time           time.Time
}

// MetricsSink records run summaries.
type MetricsSink interface {
	RecordRun(r RunRecord) error
}

// SampleRecord is one point of the feed loop.
type SampleRecord struct {
	RunID    string
	Elapsed  time.Duration
	Raw      float64
	Filtered float64
	Velocity float64
	Time     time.Time
}

// SampleRecorder is implemented by sinks storing feed loop samples.
type SampleRecorder interface {
	RecordSample(s SampleRecord) error
}

// TrialRecord describes a collected calibration trial.
type TrialRecord struct {
	ScaleID  int
	Weight   float64
	Readings [4]float64
	Time     time.Time
}

// TrialRecorder is implemented by sinks storing calibration trials.
type TrialRecorder interface {
	RecordTrial(t TrialRecord) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordRun(RunRecord) error       { return nil }
func (NopSink) RecordSample(SampleRecord) error { return nil }
func (NopSink) RecordTrial(TrialRecord) error   { return nil }
