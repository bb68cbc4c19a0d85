// Package device declares the hardware collaborators the dispense core
// drives. Implementations live under infra/ and simulator/.
package device

import (
	"context"
	"time"

	"github.com/kilianp07/dispense/core/model"
)

// Scale is an open connection to the load-cell scale. A Scale is owned by
// one caller at a time; the arbiter enforces this.
type Scale interface {
	// ID identifies the scale hardware, e.g. the bridge serial number.
	ID() int
	// Weight returns one instantaneous reading.
	Weight(ctx context.Context) (float64, error)
	// MedianWeight returns the median of n readings taken every period.
	MedianWeight(ctx context.Context, n int, period time.Duration) (float64, error)
	// RawLoadCells returns one raw reading per load cell.
	RawLoadCells(ctx context.Context) ([model.LoadCells]float64, error)
	// LoadCellMedians returns per-cell medians of n readings taken every period.
	LoadCellMedians(ctx context.Context, n int, period time.Duration) ([model.LoadCells]float64, error)
	// SetSampleInterval configures the hardware data interval.
	SetSampleInterval(period time.Duration) error
	Close() error
}

// Calibratable is implemented by scales that convert raw readings with
// calibration coefficients.
type Calibratable interface {
	SetCoefficients(c model.Coefficients)
}

// Motor is a handle on one axis of the motor controller. Handles are cheap
// to copy and may be used concurrently; the controller link serialises the
// wire traffic.
type Motor interface {
	SetVelocity(ctx context.Context, v float64) error
	RelativeMove(ctx context.Context, distance float64) error
	AbruptStop(ctx context.Context) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// MotorController owns the link to the motor/IO controller.
type MotorController interface {
	// Run establishes the link and services it until ctx is done or the
	// link fails.
	Run(ctx context.Context) error
	// Connected is closed once the link is up.
	Connected() <-chan struct{}
	// Motor returns a handle for the given axis.
	Motor(id int) Motor
}

// ScaleConnector opens a scale.
type ScaleConnector func(ctx context.Context) (Scale, error)
