package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pepperpark/mailshift/internal/migrate"
)

type migration struct {
	version int
	sql     string
}

// migrations are applied in order; versions are sequential from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	config_file  TEXT NOT NULL,
	cron         TEXT NOT NULL DEFAULT '',
	interval     TEXT NOT NULL DEFAULT '',
	enabled      INTEGER NOT NULL DEFAULT 1,
	created      TEXT NOT NULL,
	last_run     TEXT NOT NULL DEFAULT '',
	last_success TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'idle',
	last_error   TEXT NOT NULL DEFAULT '',
	last_summary TEXT NOT NULL DEFAULT ''
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// SQLiteStore keeps job records in a SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies
// pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// one connection keeps writers serialized
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	// wait for a concurrent writer instead of failing with SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	current := 0
	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type jobRow struct {
	ID          string `db:"id"`
	Type        string `db:"type"`
	ConfigFile  string `db:"config_file"`
	Cron        string `db:"cron"`
	Interval    string `db:"interval"`
	Enabled     bool   `db:"enabled"`
	Created     string `db:"created"`
	LastRun     string `db:"last_run"`
	LastSuccess string `db:"last_success"`
	Status      string `db:"status"`
	LastError   string `db:"last_error"`
	LastSummary string `db:"last_summary"`
}

func toRow(r Record) (jobRow, error) {
	row := jobRow{
		ID:          r.ID,
		Type:        r.Type,
		ConfigFile:  r.ConfigFile,
		Cron:        r.Cron,
		Interval:    r.Interval,
		Enabled:     r.Enabled,
		Created:     formatTime(&r.Created),
		LastRun:     formatTime(r.LastRun),
		LastSuccess: formatTime(r.LastSuccess),
		Status:      string(r.Status),
		LastError:   r.LastError,
	}
	if r.LastSummary != nil {
		b, err := json.Marshal(r.LastSummary)
		if err != nil {
			return row, fmt.Errorf("marshaling summary for job %s: %w", r.ID, err)
		}
		row.LastSummary = string(b)
	}
	return row, nil
}

func (row jobRow) record() (Record, error) {
	r := Record{
		ID:          row.ID,
		Type:        row.Type,
		ConfigFile:  row.ConfigFile,
		Cron:        row.Cron,
		Interval:    row.Interval,
		Enabled:     row.Enabled,
		LastRun:     parseTime(row.LastRun),
		LastSuccess: parseTime(row.LastSuccess),
		Status:      RunStatus(row.Status),
		LastError:   row.LastError,
	}
	if t := parseTime(row.Created); t != nil {
		r.Created = *t
	}
	if row.LastSummary != "" {
		var sum migrate.Summary
		if err := json.Unmarshal([]byte(row.LastSummary), &sum); err != nil {
			return r, fmt.Errorf("parsing summary for job %s: %w", row.ID, err)
		}
		r.LastSummary = &sum
	}
	return r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	return getRecord(ctx, s.db, id)
}

func (s *SQLiteStore) Put(ctx context.Context, r Record) error {
	return putRecord(ctx, s.db, r)
}

// Update reads and rewrites the record in one transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Record) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	defer tx.Rollback()
	r, err := getRecord(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := fn(&r); err != nil {
		return err
	}
	r.ID = id
	if err := putRecord(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	return nil
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, id string) (Record, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT * FROM jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("getting job %s: %w", id, err)
	}
	return row.record()
}

func putRecord(ctx context.Context, e sqlx.ExtContext, r Record) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, e, `
		INSERT OR REPLACE INTO jobs (
			id, type, config_file, cron, interval, enabled,
			created, last_run, last_success, status, last_error, last_summary
		) VALUES (
			:id, :type, :config_file, :cron, :interval, :enabled,
			:created, :last_run, :last_success, :status, :last_error, :last_summary
		)`, row)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM jobs ORDER BY id"); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
