package jobs

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/mailshift/internal/migrate"
)

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sqlite, err := NewSQLiteStore(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"json":   NewJSONStore(filepath.Join(dir, "jobs.json")),
		"sqlite": sqlite,
	}
}

func sampleRecord(id string) Record {
	return Record{
		ID:         id,
		Type:       "imap_to_gmail",
		ConfigFile: "/etc/mailshift/" + id + ".yaml",
		Interval:   "30m",
		Enabled:    true,
		Created:    time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC),
		Status:     StatusIdle,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			r := sampleRecord("nightly")
			require.NoError(t, s.Put(ctx, r))
			require.NoError(t, s.Put(ctx, sampleRecord("archive")))

			got, err := s.Get(ctx, "nightly")
			require.NoError(t, err)
			assert.Equal(t, r.Type, got.Type)
			assert.Equal(t, r.ConfigFile, got.ConfigFile)
			assert.Equal(t, r.Interval, got.Interval)
			assert.True(t, got.Enabled)
			assert.True(t, r.Created.Equal(got.Created))
			assert.Nil(t, got.LastRun)
			assert.Nil(t, got.LastSummary)

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "archive", list[0].ID)
			assert.Equal(t, "nightly", list[1].ID)

			require.NoError(t, s.Delete(ctx, "archive"))
			_, err = s.Get(ctx, "archive")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete(ctx, "archive"), ErrNotFound)
		})
	}
}

func TestStoreKeepsRunOutcome(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, sampleRecord("j")))
			ran := time.Date(2025, 5, 2, 3, 4, 5, 0, time.UTC)
			sum := &migrate.Summary{RunID: "r1", Transferred: 4, Skipped: 1, Failed: 1,
				Errors: []migrate.ErrorEntry{{SourceID: 9, Kind: "oversize error", Reason: "too big"}}}
			err := Update(ctx, s, "j", func(r *Record) error {
				r.LastRun = &ran
				r.LastSuccess = &ran
				r.Status = StatusSuccess
				r.LastSummary = sum
				return nil
			})
			require.NoError(t, err)

			got, err := s.Get(ctx, "j")
			require.NoError(t, err)
			assert.Equal(t, StatusSuccess, got.Status)
			require.NotNil(t, got.LastRun)
			assert.True(t, ran.Equal(*got.LastRun))
			require.NotNil(t, got.LastSummary)
			assert.Equal(t, 4, got.LastSummary.Transferred)
			assert.Equal(t, sum.Errors, got.LastSummary.Errors)
		})
	}
}

func TestUpdateDoesNotLoseConcurrentEdits(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, sampleRecord("shared")))
			const writers = 20
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, Update(ctx, s, "shared", func(r *Record) error {
						r.LastError += "x"
						return nil
					}))
				}()
			}
			wg.Wait()
			got, err := s.Get(ctx, "shared")
			require.NoError(t, err)
			assert.Equal(t, strings.Repeat("x", writers), got.LastError)
		})
	}
}

func TestUpdateMissing(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "jobs.json"))
	err := Update(context.Background(), s, "nope", func(*Record) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenStoreByExtension(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "jobs.sqlite"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = OpenStore(filepath.Join(dir, "jobs.json"))
	require.NoError(t, err)
	assert.IsType(t, &JSONStore{}, s)
}

func TestSQLiteStoreReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), sampleRecord("keep")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "keep", list[0].ID)
}

func TestRecordValidate(t *testing.T) {
	ok := sampleRecord("a")
	assert.NoError(t, ok.Validate())

	cron := ok
	cron.Interval, cron.Cron = "", "0 3 * * *"
	assert.NoError(t, cron.Validate())

	bad := map[string]func(*Record){
		"no id":      func(r *Record) { r.ID = " " },
		"no type":    func(r *Record) { r.Type = "" },
		"no config":  func(r *Record) { r.ConfigFile = "" },
		"both":       func(r *Record) { r.Cron = "* * * * *" },
		"neither":    func(r *Record) { r.Interval = "" },
		"bad every":  func(r *Record) { r.Interval = "soon" },
		"zero every": func(r *Record) { r.Interval = "0s" },
	}
	for name, mutate := range bad {
		r := sampleRecord("a")
		mutate(&r)
		assert.Error(t, r.Validate(), name)
	}
}
