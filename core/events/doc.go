// Package events defines the dispense related events emitted on the event bus.
//
// Available event types:
//   - RunStarted: a run took the scale and measured its baseline
//   - SampleRecorded: a filtered sample entered the run data (sparse)
//   - StopCheck: the feed stopped to confirm the delivered mass
//   - RunFinished: the run ended, with its outcome
package events
