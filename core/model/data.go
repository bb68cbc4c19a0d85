package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultDataCapacity bounds a dispense time series.
const DefaultDataCapacity = 10000

// Data is an ordered, capacity-bounded series of (elapsed, reading) pairs.
// It is owned by a single run while being filled; it is not safe for
// concurrent use.
type Data struct {
	times    []time.Duration
	readings []float64
	capacity int
	dropped  int
}

// NewData allocates a series holding at most capacity points. A
// non-positive capacity selects DefaultDataCapacity.
func NewData(capacity int) *Data {
	if capacity <= 0 {
		capacity = DefaultDataCapacity
	}
	initial := capacity
	if initial > 1024 {
		initial = 1024
	}
	return &Data{
		times:    make([]time.Duration, 0, initial),
		readings: make([]float64, 0, initial),
		capacity: capacity,
	}
}

// Push appends a point. Points past the capacity are counted and discarded.
// It reports whether the point was stored.
func (d *Data) Push(elapsed time.Duration, reading float64) bool {
	if len(d.readings) >= d.capacity {
		d.dropped++
		return false
	}
	d.times = append(d.times, elapsed)
	d.readings = append(d.readings, reading)
	return true
}

// Len returns the number of stored points.
func (d *Data) Len() int { return len(d.readings) }

// Cap returns the configured capacity.
func (d *Data) Cap() int { return d.capacity }

// Dropped returns how many points exceeded the capacity.
func (d *Data) Dropped() int { return d.dropped }

// At returns the i-th point.
func (d *Data) At(i int) (time.Duration, float64) { return d.times[i], d.readings[i] }

// Last returns the final point, if any.
func (d *Data) Last() (time.Duration, float64, bool) {
	if len(d.readings) == 0 {
		return 0, 0, false
	}
	i := len(d.readings) - 1
	return d.times[i], d.readings[i], true
}

// Times returns a copy of the elapsed times.
func (d *Data) Times() []time.Duration { return append([]time.Duration(nil), d.times...) }

// Readings returns a copy of the readings.
func (d *Data) Readings() []float64 { return append([]float64(nil), d.readings...) }

// DropFirst removes the first point. Sampling trials use it to discard the
// reading taken before the new sample interval applied.
func (d *Data) DropFirst() {
	if len(d.readings) == 0 {
		return
	}
	d.times = d.times[1:]
	d.readings = d.readings[1:]
}

type dataWire struct {
	Readings []float64  `json:"readings"`
	Times    []Duration `json:"times"`
}

func (d Data) MarshalJSON() ([]byte, error) {
	w := dataWire{Readings: d.readings, Times: make([]Duration, len(d.times))}
	if w.Readings == nil {
		w.Readings = []float64{}
	}
	for i, t := range d.times {
		w.Times[i] = Duration(t)
	}
	return json.Marshal(w)
}

func (d *Data) UnmarshalJSON(b []byte) error {
	var w dataWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.Times) != len(w.Readings) {
		return fmt.Errorf("data: %d times for %d readings", len(w.Times), len(w.Readings))
	}
	if d.capacity <= 0 {
		d.capacity = DefaultDataCapacity
	}
	if len(w.Readings) > d.capacity {
		d.capacity = len(w.Readings)
	}
	d.times = make([]time.Duration, len(w.Times))
	for i, t := range w.Times {
		d.times[i] = t.Std()
	}
	d.readings = w.Readings
	d.dropped = 0
	return nil
}
