package metrics

import (
	"context"

	"github.com/kilianp07/dispense/core/events"
	coremetrics "github.com/kilianp07/dispense/core/metrics"
	"github.com/kilianp07/dispense/infra/logger"
	"github.com/kilianp07/dispense/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records run events on
// sink, away from the feed loop. It stops when the context is canceled or
// the bus closes; the returned channel is closed then.
func StartEventCollector(ctx context.Context, bus *eventbus.TypedBus[events.Event], sink coremetrics.MetricsSink) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || sink == nil {
		close(done)
		return done
	}
	log := logger.New("metrics-collector")
	sub := bus.Subscribe()
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := record(sink, ev); err != nil {
					log.Warnf("record %T for run %s: %v", ev, ev.Run(), err)
				}
			}
		}
	}()
	return done
}

func record(sink coremetrics.MetricsSink, ev events.Event) error {
	switch e := ev.(type) {
	case events.RunFinished:
		return sink.RecordRun(coremetrics.RunRecord{
			RunID:          e.RunID,
			Outcome:        e.Outcome,
			TargetWeight:   e.TargetWeight,
			StartingWeight: e.StartingWeight,
			FinalWeight:    e.FinalWeight,
			Delivered:      e.Delivered,
			Checks:         e.Checks,
			Samples:        e.Samples,
			Duration:       e.Duration,
			Time:           e.At,
		})
	case events.SampleRecorded:
		if r, ok := sink.(coremetrics.SampleRecorder); ok {
			return r.RecordSample(coremetrics.SampleRecord{
				RunID:    e.RunID,
				Elapsed:  e.Elapsed,
				Raw:      e.Raw,
				Filtered: e.Filtered,
				Velocity: e.Velocity,
				Time:     e.At,
			})
		}
	}
	return nil
}
