package migrate

import (
	"fmt"
	"log"
	"time"
)

type DedupeMode string

const (
	DedupeNone      DedupeMode = "none"
	DedupeMessageID DedupeMode = "message_id"
)

// FinalizeMode controls when staged source deletions are expunged.
type FinalizeMode string

const (
	FinalizeBatch FinalizeMode = "batch"
	FinalizeRun   FinalizeMode = "run"
)

type Options struct {
	BatchSize           int
	DedupeBy            DedupeMode
	DeleteAfterTransfer bool
	SafetyMode          bool
	MaxRetries          int
	RetryBackoff        time.Duration
	Labels              []string
	MarkAsUnread        bool
	SearchQuery         string
	Finalize            FinalizeMode
	MaxMessageBytes     int64 // 0 means only the destination limit applies
	IdleDelay           time.Duration
	DryRun              bool

	// Logger receives per-message logs. Nil means log.Default().
	Logger *log.Logger
	// Quiet suppresses per-message logs.
	Quiet bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:    100,
		DedupeBy:     DedupeMessageID,
		SafetyMode:   true,
		MaxRetries:   3,
		RetryBackoff: 2 * time.Second,
		MarkAsUnread: true,
		SearchQuery:  "ALL",
		Finalize:     FinalizeBatch,
	}
}

func (o Options) Validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("batch size must be > 0, got %d", o.BatchSize)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", o.MaxRetries)
	}
	if o.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff must be >= 0, got %s", o.RetryBackoff)
	}
	switch o.DedupeBy {
	case DedupeNone, DedupeMessageID:
	default:
		return fmt.Errorf("unknown dedupe mode %q", o.DedupeBy)
	}
	switch o.Finalize {
	case FinalizeBatch, FinalizeRun:
	default:
		return fmt.Errorf("unknown finalize mode %q", o.Finalize)
	}
	return nil
}

func (o Options) logf(format string, args ...any) {
	if o.Quiet {
		return
	}
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
