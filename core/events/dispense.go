package events

import (
	"time"

	"github.com/kilianp07/dispense/core/model"
)

// Event is any dispense event.
type Event interface {
	Run() string
}

// RunStarted is published once the baseline weight is known.
type RunStarted struct {
	RunID          string
	Settings       model.DispenseSettings
	StartingWeight float64
	At             time.Time
}

// SampleRecorded is published for every Nth filtered sample.
type SampleRecorded struct {
	RunID    string
	Elapsed  time.Duration
	Raw      float64
	Filtered float64
	Velocity float64
	At       time.Time
}

// StopCheck is published after each stop-and-confirm median.
type StopCheck struct {
	RunID     string
	Attempt   int
	Median    float64
	Threshold float64
	Reached   bool
}

// RunFinished is published when a run ends on any path.
type RunFinished struct {
	RunID          string
	Outcome        string
	TargetWeight   float64
	StartingWeight float64
	FinalWeight    float64
	Delivered      float64
	Samples        int
	Checks         int
	Duration       time.Duration
	At             time.Time
	Err            error
}

func (e RunStarted) Run() string     { return e.RunID }
func (e SampleRecorded) Run() string { return e.RunID }
func (e StopCheck) Run() string      { return e.RunID }
func (e RunFinished) Run() string    { return e.RunID }
