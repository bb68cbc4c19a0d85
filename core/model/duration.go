package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that crosses the command boundary as a
// {"secs": n, "nanos": n} object. On input it also accepts Go duration
// strings ("80ms") and plain numbers, read as milliseconds.
type Duration time.Duration

type wireDuration struct {
	Secs  int64 `json:"secs"`
	Nanos int64 `json:"nanos"`
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	td := time.Duration(d)
	return json.Marshal(wireDuration{
		Secs:  int64(td / time.Second),
		Nanos: int64(td % time.Second),
	})
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '{':
		var w wireDuration
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		*d = Duration(time.Duration(w.Secs)*time.Second + time.Duration(w.Nanos))
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		td, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(td)
		return nil
	default:
		var ms float64
		if err := json.Unmarshal(b, &ms); err != nil {
			return fmt.Errorf("decode duration: %w", err)
		}
		*d = Duration(time.Duration(ms * float64(time.Millisecond)))
		return nil
	}
}
