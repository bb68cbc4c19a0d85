package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/device"
	"github.com/kilianp07/dispense/core/filter"
	"github.com/kilianp07/dispense/core/model"
)

// TrialType selects how a DataRequest samples the scale.
type TrialType string

const (
	Raw      TrialType = "raw"
	Median   TrialType = "median"
	Filtered TrialType = "filtered"
	Dispense TrialType = "dispense"
)

// MedianWindow is the number of readings behind each point of a median
// trial.
const MedianWindow = 5

// UnmarshalJSON accepts the lower case names and the capitalised ones
// older clients send ("Raw", "Filtered").
func (t *TrialType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "raw", "Raw":
		*t = Raw
	case "median", "Median":
		*t = Median
	case "filtered", "Filtered":
		*t = Filtered
	case "dispense", "Dispense":
		*t = Dispense
	default:
		return fmt.Errorf("unknown trial type %q", s)
	}
	return nil
}

// DataRequest describes a diagnostic sampling trial.
type DataRequest struct {
	Trial           TrialType      `json:"trial"`
	Samples         int            `json:"samples"`
	SamplePeriod    model.Duration `json:"sample_period"`
	CutoffFrequency *float64       `json:"cutoff_frequency,omitempty"`
}

// Validate checks the request before the scale is touched.
func (r DataRequest) Validate() error {
	if r.Samples <= 0 {
		return apperr.New(apperr.ZeroSamples, "data_request")
	}
	if r.SamplePeriod.Std() <= 0 {
		return apperr.Wrap(apperr.InvalidSettings, "data_request", fmt.Errorf("sample_period must be positive"))
	}
	switch r.Trial {
	case Raw, Median:
		return nil
	case Filtered:
		if r.CutoffFrequency == nil {
			return apperr.Errorf("data_request", "missing cutoff frequency for filtered trial")
		}
		return nil
	case Dispense:
		return apperr.New(apperr.NotImplemented, "data_request")
	default:
		return apperr.Errorf("data_request", "unknown trial type %q", r.Trial)
	}
}

// Conduct samples the scale. The first point is dropped: it was taken
// before the new sample interval applied.
func (r DataRequest) Conduct(ctx context.Context, scale device.Scale, clk clock.Clock) (*model.Data, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	period := r.SamplePeriod.Std()
	if err := scale.SetSampleInterval(period); err != nil {
		return nil, apperr.Hardware("data_request", err)
	}
	var lp *filter.LowPass
	if r.Trial == Filtered {
		lp = filter.New(1/period.Seconds(), *r.CutoffFrequency)
	}
	data := model.NewData(r.Samples)
	err := sample(ctx, clk, period, r.Samples, func(elapsed time.Duration) error {
		var v float64
		var err error
		switch r.Trial {
		case Median:
			v, err = scale.MedianWeight(ctx, MedianWindow, period)
		default:
			v, err = scale.Weight(ctx)
		}
		if err != nil {
			return err
		}
		if lp != nil {
			v = lp.Apply(v)
		}
		data.Push(elapsed, v)
		return nil
	})
	if err != nil {
		return data, err
	}
	data.DropFirst()
	return data, nil
}

// LoadCellDataRequest samples each load cell separately.
type LoadCellDataRequest struct {
	Samples      int            `json:"samples"`
	SamplePeriod model.Duration `json:"sample_period"`
}

// Conduct returns one series per load cell, first point dropped.
func (r LoadCellDataRequest) Conduct(ctx context.Context, scale device.Scale, clk clock.Clock) ([model.LoadCells]*model.Data, error) {
	var out [model.LoadCells]*model.Data
	if r.Samples <= 0 {
		return out, apperr.New(apperr.ZeroSamples, "load_cell_request")
	}
	period := r.SamplePeriod.Std()
	if period <= 0 {
		return out, apperr.Wrap(apperr.InvalidSettings, "load_cell_request", fmt.Errorf("sample_period must be positive"))
	}
	if err := scale.SetSampleInterval(period); err != nil {
		return out, apperr.Hardware("load_cell_request", err)
	}
	for i := range out {
		out[i] = model.NewData(r.Samples)
	}
	err := sample(ctx, clk, period, r.Samples, func(elapsed time.Duration) error {
		raw, err := scale.RawLoadCells(ctx)
		if err != nil {
			return err
		}
		for i, v := range raw {
			out[i].Push(elapsed, v)
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	for _, d := range out {
		d.DropFirst()
	}
	return out, nil
}

// sample calls read n times, one period apart. The first read happens at
// once.
func sample(ctx context.Context, clk clock.Clock, period time.Duration, n int, read func(time.Duration) error) error {
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(period)
	defer ticker.Stop()
	start := clk.Now()
	for i := 0; i < n; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.Cancelled, "sample", ctx.Err())
			case <-ticker.C:
			}
		}
		if err := read(clk.Since(start)); err != nil {
			if ctx.Err() != nil {
				return apperr.Wrap(apperr.Cancelled, "sample", ctx.Err())
			}
			return apperr.Hardware("sample", err)
		}
	}
	return nil
}
