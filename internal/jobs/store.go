package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pepperpark/mailshift/internal/migrate"
)

// ErrNotFound is returned for an unknown job id.
var ErrNotFound = errors.New("job not found")

// RunStatus is the state of a job's most recent execution.
type RunStatus string

const (
	StatusIdle    RunStatus = "idle"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusError   RunStatus = "error"
)

// Record is a scheduled migration job.
type Record struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	ConfigFile string `json:"config_file"`
	// Exactly one of Cron (five-field crontab) and Interval (a Go
	// duration such as "30m") is set.
	Cron        string           `json:"cron,omitempty"`
	Interval    string           `json:"interval,omitempty"`
	Enabled     bool             `json:"enabled"`
	Created     time.Time        `json:"created"`
	LastRun     *time.Time       `json:"last_run,omitempty"`
	LastSuccess *time.Time       `json:"last_success,omitempty"`
	Status      RunStatus        `json:"status"`
	LastError   string           `json:"last_error,omitempty"`
	LastSummary *migrate.Summary `json:"last_summary,omitempty"`
}

// Validate checks the fields needed to schedule the record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("job id must not be empty")
	}
	if r.Type == "" {
		return fmt.Errorf("job %s: type must not be empty", r.ID)
	}
	if r.ConfigFile == "" {
		return fmt.Errorf("job %s: config file must not be empty", r.ID)
	}
	switch {
	case r.Cron != "" && r.Interval != "":
		return fmt.Errorf("job %s: set either cron or interval, not both", r.ID)
	case r.Cron == "" && r.Interval == "":
		return fmt.Errorf("job %s: a cron expression or an interval is required", r.ID)
	case r.Interval != "":
		d, err := time.ParseDuration(r.Interval)
		if err != nil {
			return fmt.Errorf("job %s: interval: %w", r.ID, err)
		}
		if d <= 0 {
			return fmt.Errorf("job %s: interval must be positive", r.ID)
		}
	}
	return nil
}

// Schedule describes when the job runs, for listings.
func (r Record) Schedule() string {
	if r.Cron != "" {
		return "cron " + r.Cron
	}
	return "every " + r.Interval
}

// Store persists job records. Implementations serialize writes.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Put(ctx context.Context, r Record) error
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// OpenStore opens a SQLite store for .db, .sqlite and .sqlite3 paths and
// a JSON file store otherwise.
func OpenStore(path string) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return NewSQLiteStore(path)
	default:
		return NewJSONStore(path), nil
	}
}

// updater is implemented by stores that can read, modify and write one
// record without another writer interleaving.
type updater interface {
	Update(ctx context.Context, id string, fn func(*Record) error) error
}

// Update applies fn to the stored record id and writes it back. Both
// built-in stores do this atomically: SQLite in a transaction, the JSON
// store under its lock. The JSON store's lock is per process, so `serve`
// and a concurrent `jobs` command can still overwrite each other's edit
// there; use a SQLite store when both run at once.
func Update(ctx context.Context, s Store, id string, fn func(*Record) error) error {
	if u, ok := s.(updater); ok {
		return u.Update(ctx, id, fn)
	}
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(&r); err != nil {
		return err
	}
	return s.Put(ctx, r)
}
