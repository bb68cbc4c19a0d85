// Package metrics defines the records produced by dispense runs and
// calibration trials, and the sinks that store them. Sinks are built from
// configuration through the factory registry; several configured sinks
// are combined into a MultiSink.
package metrics
