// Package runlog persists dispense run summaries.
package runlog

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/dispense/core/model"
)

// Record captures one dispense run.
type Record struct {
	RunID          string                 `json:"run_id"`
	Timestamp      time.Time              `json:"timestamp"`
	Settings       model.DispenseSettings `json:"settings"`
	Outcome        string                 `json:"outcome"`
	StartingWeight float64                `json:"starting_weight"`
	FinalWeight    float64                `json:"final_weight"`
	Delivered      float64                `json:"delivered"`
	Checks         int                    `json:"checks"`
	Samples        int                    `json:"samples"`
	Duration       model.Duration         `json:"duration"`
	Error          string                 `json:"error,omitempty"`
}

// Query defines filters for retrieving records. Zero fields match all.
type Query struct {
	Start   time.Time
	End     time.Time
	Outcome string
	RunID   string
	Limit   int
}

func (q Query) match(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	if q.RunID != "" && r.RunID != q.RunID {
		return false
	}
	return true
}

// limit keeps the newest q.Limit records of an oldest-first slice.
func (q Query) limit(res []Record) []Record {
	if q.Limit > 0 && len(res) > q.Limit {
		return res[len(res)-q.Limit:]
	}
	return res
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Config selects and configures the store backend.
type Config struct {
	Backend    string `json:"backend"` // none, memory, jsonl, rotating, sqlite
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 10
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 3
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 28
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case "", "none", "memory":
		return nil
	case "jsonl", "rotating", "sqlite":
		if c.Path == "" {
			return fmt.Errorf("runlog: path required for %s backend", c.Backend)
		}
		return nil
	default:
		return fmt.Errorf("runlog: unknown backend %q", c.Backend)
	}
}

// New opens the configured store. The none backend returns nil.
func New(c Config) (Store, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Backend {
	case "none":
		return nil, nil
	case "jsonl":
		return NewJSONLStore(c.Path)
	case "rotating":
		return NewRotatingJSONLStore(c.Path, c.MaxSizeMB, c.MaxBackups, c.MaxAgeDays)
	case "sqlite":
		return NewSQLiteStore(c.Path)
	default:
		return NewMemoryStore(), nil
	}
}
