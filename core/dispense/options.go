package dispense

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kilianp07/dispense/core/dispense/runlog"
	"github.com/kilianp07/dispense/core/events"
	"github.com/kilianp07/dispense/core/logger"
	"github.com/kilianp07/dispense/internal/eventbus"
)

const (
	// DefaultSettle lets button noise die down after the velocity set-point.
	DefaultSettle = 2 * time.Second
	// DefaultFeedDistance is the travel queued per feed move. It only has to
	// outlast one velocity update interval.
	DefaultFeedDistance = 1000.0
	// DefaultVelocityUpdateInterval rate limits velocity retargeting.
	DefaultVelocityUpdateInterval = 25 * time.Millisecond
	// DefaultMedianSamples is the sample count of baseline and check medians.
	DefaultMedianSamples = 10
	// DefaultMaxChecks caps stop-and-confirm attempts per run.
	DefaultMaxChecks = 3
	// DefaultSampleEvery is the sample event and metric decimation.
	DefaultSampleEvery = 10
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithSettle sets the wait after the initial velocity set-point. Zero or
// negative skips it.
func WithSettle(d time.Duration) Option { return func(ctl *Controller) { ctl.settle = d } }

// WithFeedDistance sets the travel queued per feed move.
func WithFeedDistance(d float64) Option { return func(ctl *Controller) { ctl.feedDistance = d } }

// WithVelocityUpdateInterval sets the minimum time between velocity updates.
func WithVelocityUpdateInterval(d time.Duration) Option {
	return func(ctl *Controller) { ctl.velocityInterval = d }
}

// WithMedianSamples sets the sample count of baseline and check medians.
func WithMedianSamples(n int) Option { return func(ctl *Controller) { ctl.medianSamples = n } }

// WithMaxChecks caps the stop-and-confirm attempts.
func WithMaxChecks(n int) Option { return func(ctl *Controller) { ctl.maxChecks = n } }

// WithCapacity bounds the recorded series.
func WithCapacity(n int) Option { return func(ctl *Controller) { ctl.capacity = n } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(ctl *Controller) { ctl.log = logger.OrNop(l) } }

// WithEventBus publishes run events on bus.
func WithEventBus(bus *eventbus.TypedBus[events.Event]) Option {
	return func(ctl *Controller) { ctl.bus = bus }
}

// WithSampleEvery publishes every nth sample on the event bus. Zero
// disables sample events.
func WithSampleEvery(n int) Option { return func(ctl *Controller) { ctl.sampleEvery = n } }

// WithRunLog persists a record per run.
func WithRunLog(s runlog.Store) Option { return func(ctl *Controller) { ctl.store = s } }
