// Package dispense runs the closed feed loop: it drives the feed motor from
// filtered scale readings until the target mass has left the scale.
//
// A run measures a baseline before any travel is queued, then feeds at a
// velocity proportional to the mass still to deliver. Once the filtered
// weight crosses the target plus a check offset the motor stops and a median
// confirms the delivery; an unconfirmed check reseeds the filter and resumes
// feeding, up to a fixed number of attempts.
package dispense

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/arbiter"
	"github.com/kilianp07/dispense/core/device"
	"github.com/kilianp07/dispense/core/dispense/runlog"
	"github.com/kilianp07/dispense/core/events"
	"github.com/kilianp07/dispense/core/filter"
	"github.com/kilianp07/dispense/core/logger"
	"github.com/kilianp07/dispense/core/model"
	"github.com/kilianp07/dispense/internal/eventbus"
)

// Outcome is how a run ended.
type Outcome string

const (
	Completed Outcome = "completed"
	TimedOut  Outcome = "timed_out"
	Cancelled Outcome = "cancelled"
	Failed    Outcome = "failed"
)

// Result describes a finished run. Data holds the filtered series recorded
// up to the end, on every path.
type Result struct {
	RunID          string         `json:"run_id"`
	Outcome        Outcome        `json:"outcome"`
	Data           *model.Data    `json:"data"`
	StartingWeight float64        `json:"starting_weight"`
	FinalWeight    float64        `json:"final_weight"`
	Delivered      float64        `json:"delivered"`
	Checks         int            `json:"checks"`
	Duration       model.Duration `json:"duration"`
}

// Controller executes dispense runs. It holds no per-run state and may run
// several dispenses as long as each has its own scale and motor.
type Controller struct {
	clock            clock.Clock
	settle           time.Duration
	feedDistance     float64
	velocityInterval time.Duration
	medianSamples    int
	maxChecks        int
	capacity         int
	sampleEvery      int

	log   logger.Logger
	bus   *eventbus.TypedBus[events.Event]
	store runlog.Store
}

// New returns a Controller with the bench defaults.
func New(opts ...Option) *Controller {
	c := &Controller{
		clock:            clock.New(),
		settle:           DefaultSettle,
		feedDistance:     DefaultFeedDistance,
		velocityInterval: DefaultVelocityUpdateInterval,
		medianSamples:    DefaultMedianSamples,
		maxChecks:        DefaultMaxChecks,
		capacity:         model.DefaultDataCapacity,
		sampleEvery:      DefaultSampleEvery,
		log:              logger.NopLogger{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.medianSamples <= 0 {
		c.medianSamples = DefaultMedianSamples
	}
	if c.maxChecks <= 0 {
		c.maxChecks = DefaultMaxChecks
	}
	return c
}

// run is the state of one dispense.
type run struct {
	ctl      *Controller
	settings model.DispenseSettings
	scale    device.Scale
	motor    device.Motor
	res      Result
	filter   *filter.LowPass
	started  time.Time
	velocity float64
}

// Dispense delivers settings.TargetWeight using the scale behind h and the
// given motor. The scale handle is handed back on every path, including
// errors. Timeouts are not errors: the result carries TimedOut and the data
// recorded so far.
func (c *Controller) Dispense(ctx context.Context, h *arbiter.ScaleHandle, motor device.Motor, settings model.DispenseSettings) (Result, *arbiter.ScaleHandle, error) {
	res := Result{RunID: uuid.NewString(), Data: model.NewData(c.capacity)}
	if h == nil {
		res.Outcome = Failed
		return res, nil, apperr.New(apperr.NoScale, "dispense")
	}
	if err := settings.Validate(); err != nil {
		res.Outcome = Failed
		return res, h, apperr.Wrap(apperr.InvalidSettings, "dispense", err)
	}
	r := &run{ctl: c, settings: settings, scale: h.Scale(), motor: motor, res: res}
	err := r.execute(ctx)
	c.finish(ctx, r, err)
	return r.res, h, err
}

func (r *run) execute(ctx context.Context) error {
	c, s := r.ctl, r.settings
	if err := r.motor.SetVelocity(ctx, s.MaxVelocity); err != nil {
		return r.motorFault(ctx, "set_velocity", err)
	}
	r.velocity = s.MaxVelocity
	if c.settle > 0 {
		select {
		case <-ctx.Done():
			return r.cancel(ctx)
		case <-c.clock.After(c.settle):
		}
	}

	// The ticker starts before the baseline so that missed ticks are
	// skipped rather than bunched after it.
	ticker := c.clock.Ticker(s.SamplePeriod)
	defer ticker.Stop()

	start, err := r.scale.MedianWeight(ctx, c.medianSamples, s.SamplePeriod)
	if err != nil {
		return r.scaleFault(ctx, "baseline", err)
	}
	r.res.StartingWeight = start
	r.res.FinalWeight = start
	r.filter = filter.New(s.SampleRate(), s.CutoffFrequency)
	r.filter.Seed(start)
	r.started = c.clock.Now()
	c.publish(events.RunStarted{RunID: r.res.RunID, Settings: s, StartingWeight: start, At: r.started})
	c.log.Infow("dispense started", map[string]any{
		"run_id": r.res.RunID, "starting_weight": start, "target_weight": s.TargetWeight,
	})

	if err := r.motor.RelativeMove(ctx, c.feedDistance); err != nil {
		return r.motorFault(ctx, "relative_move", err)
	}
	lastUpdate := c.clock.Now()
	stopAt := s.StopThreshold(start)

	for {
		select {
		case <-ctx.Done():
			return r.cancel(ctx)
		case <-ticker.C:
		}

		raw, err := r.scale.Weight(ctx)
		if err != nil {
			return r.scaleFault(ctx, "weight", err)
		}
		filtered := r.filter.Apply(raw)
		now := c.clock.Now()
		elapsed := now.Sub(r.started)
		r.res.Data.Push(elapsed, filtered)
		r.res.FinalWeight = filtered
		r.sample(elapsed, raw, filtered)

		if now.Sub(lastUpdate) > c.velocityInterval {
			r.velocity = s.ClampVelocity(filtered, start)
			if err := r.motor.SetVelocity(ctx, r.velocity); err != nil {
				return r.motorFault(ctx, "set_velocity", err)
			}
			feedVelocity.Set(r.velocity)
			lastUpdate = now
			if err := r.motor.RelativeMove(ctx, c.feedDistance); err != nil {
				return r.motorFault(ctx, "relative_move", err)
			}
		}

		if filtered <= stopAt {
			done, err := r.check(ctx)
			if err != nil || done {
				return err
			}
			continue
		}

		if c.clock.Since(r.started) > s.Timeout {
			if err := r.motor.AbruptStop(ctx); err != nil {
				return r.motorFault(ctx, "abrupt_stop", err)
			}
			r.res.Outcome = TimedOut
			c.log.Warnf("dispense %s timed out after %s", r.res.RunID, s.Timeout)
			return nil
		}
	}
}

// check stops the feed and confirms the delivered mass with a median. It
// reports whether the run is done.
func (r *run) check(ctx context.Context) (bool, error) {
	c, s := r.ctl, r.settings
	r.res.Checks++
	stopChecks.Inc()
	if err := r.motor.AbruptStop(ctx); err != nil {
		return false, r.motorFault(ctx, "abrupt_stop", err)
	}
	median, err := r.scale.MedianWeight(ctx, c.medianSamples, s.SamplePeriod)
	if err != nil {
		return false, r.scaleFault(ctx, "check_median", err)
	}
	r.res.FinalWeight = median
	threshold := s.TargetThreshold(r.res.StartingWeight)
	reached := median <= threshold
	c.publish(events.StopCheck{
		RunID: r.res.RunID, Attempt: r.res.Checks, Median: median, Threshold: threshold, Reached: reached,
	})
	c.log.Debugw("stop check", map[string]any{
		"run_id": r.res.RunID, "attempt": r.res.Checks, "median": median, "threshold": threshold,
	})
	if reached || r.res.Checks >= c.maxChecks {
		r.res.Outcome = Completed
		return true, nil
	}
	r.filter = filter.New(s.SampleRate(), s.CutoffFrequency)
	r.filter.Seed(median)
	if err := r.motor.RelativeMove(ctx, c.feedDistance); err != nil {
		return false, r.motorFault(ctx, "relative_move", err)
	}
	return false, nil
}

func (r *run) sample(elapsed time.Duration, raw, filtered float64) {
	samplesTotal.Inc()
	c := r.ctl
	if c.sampleEvery <= 0 || (r.res.Data.Len()-1)%c.sampleEvery != 0 {
		return
	}
	c.publish(events.SampleRecorded{
		RunID: r.res.RunID, Elapsed: elapsed, Raw: raw, Filtered: filtered,
		Velocity: r.velocity, At: c.clock.Now(),
	})
}

// stop halts the motor outside the run context, which may be done.
func (r *run) stop(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := r.motor.AbruptStop(sctx); err != nil {
		motorCmdErrors.WithLabelValues("abrupt_stop").Inc()
		r.ctl.log.Errorf("stop motor: %v", err)
	}
}

func (r *run) cancel(ctx context.Context) error {
	r.stop(ctx)
	r.res.Outcome = Cancelled
	return apperr.Wrap(apperr.Cancelled, "dispense", ctx.Err())
}

func (r *run) motorFault(ctx context.Context, cmd string, err error) error {
	if ctx.Err() != nil {
		return r.cancel(ctx)
	}
	motorCmdErrors.WithLabelValues(cmd).Inc()
	r.stop(ctx)
	r.res.Outcome = Failed
	return apperr.Hardware("dispense."+cmd, err)
}

func (r *run) scaleFault(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return r.cancel(ctx)
	}
	r.stop(ctx)
	r.res.Outcome = Failed
	return apperr.Hardware("dispense."+op, err)
}

func (c *Controller) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

// finish records the run in the collectors, the run log and on the bus.
func (c *Controller) finish(ctx context.Context, r *run, runErr error) {
	res := &r.res
	if !r.started.IsZero() {
		res.Duration = model.Duration(c.clock.Since(r.started))
	}
	res.Delivered = res.StartingWeight - res.FinalWeight
	outcome := string(res.Outcome)

	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.WithLabelValues(outcome).Observe(res.Duration.Std().Seconds())
	if res.Outcome == Completed {
		deliveredMass.Observe(res.Delivered)
	}
	now := c.clock.Now()
	if c.store != nil {
		rec := runlog.Record{
			RunID:          res.RunID,
			Timestamp:      now,
			Settings:       r.settings,
			Outcome:        outcome,
			StartingWeight: res.StartingWeight,
			FinalWeight:    res.FinalWeight,
			Delivered:      res.Delivered,
			Checks:         res.Checks,
			Samples:        res.Data.Len(),
			Duration:       res.Duration,
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		}
		if err := c.store.Append(context.WithoutCancel(ctx), rec); err != nil {
			c.log.Warnf("append run log %s: %v", res.RunID, err)
		}
	}
	c.publish(events.RunFinished{
		RunID:          res.RunID,
		Outcome:        outcome,
		TargetWeight:   r.settings.TargetWeight,
		StartingWeight: res.StartingWeight,
		FinalWeight:    res.FinalWeight,
		Delivered:      res.Delivered,
		Samples:        res.Data.Len(),
		Checks:         res.Checks,
		Duration:       res.Duration.Std(),
		At:             now,
		Err:            runErr,
	})
	fields := map[string]any{
		"run_id": res.RunID, "outcome": outcome, "delivered": res.Delivered,
		"checks": res.Checks, "samples": res.Data.Len(),
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
	}
	c.log.Infow("dispense finished", fields)
}
