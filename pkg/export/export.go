// Package export writes run summaries and sampled series as JSON or CSV.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/kilianp07/dispense/core/dispense/runlog"
	"github.com/kilianp07/dispense/core/model"
)

// WriteJSON writes v to w as JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRunsCSV writes one row per run record.
func WriteRunsCSV(w io.Writer, recs []runlog.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"run_id", "timestamp", "outcome", "target_weight", "starting_weight", "final_weight", "delivered", "checks", "samples", "duration_ms", "error"}); err != nil {
		return err
	}
	for _, r := range recs {
		rec := []string{
			r.RunID,
			r.Timestamp.Format(time.RFC3339Nano),
			r.Outcome,
			formatFloat(r.Settings.TargetWeight),
			formatFloat(r.StartingWeight),
			formatFloat(r.FinalWeight),
			formatFloat(r.Delivered),
			strconv.Itoa(r.Checks),
			strconv.Itoa(r.Samples),
			strconv.FormatInt(r.Duration.Std().Milliseconds(), 10),
			r.Error,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDataCSV writes a sampled series as elapsed seconds and reading.
func WriteDataCSV(w io.Writer, d *model.Data) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"elapsed_s", "reading"}); err != nil {
		return err
	}
	if d != nil {
		for i := 0; i < d.Len(); i++ {
			t, v := d.At(i)
			if err := cw.Write([]string{formatFloat(t.Seconds()), formatFloat(v)}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// Write dispatches on format: "json" writes v, "csv" needs runs or a
// series.
func Write(w io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		return WriteJSON(w, v)
	case "csv":
		switch x := v.(type) {
		case []runlog.Record:
			return WriteRunsCSV(w, x)
		case *model.Data:
			return WriteDataCSV(w, x)
		default:
			return fmt.Errorf("csv export not supported for %T", v)
		}
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
