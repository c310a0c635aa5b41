package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/mailshift/internal/jobs"
	"github.com/pepperpark/mailshift/internal/migrate"
)

func TestModelApplyCountsOutcomes(t *testing.T) {
	m := &model{}
	m.apply(migrate.Event{Type: migrate.EventRunStart})
	m.apply(migrate.Event{Type: migrate.EventProgress, Total: 3, Done: 1, Status: migrate.StatusTransferred})
	m.apply(migrate.Event{Type: migrate.EventProgress, Total: 3, Done: 2, Status: migrate.StatusSkipped})
	m.apply(migrate.Event{Type: migrate.EventProgress, Total: 3, Done: 3, Status: migrate.StatusFailed})
	assert.Equal(t, 3, m.total)
	assert.Equal(t, 3, m.done)
	assert.Equal(t, 1, m.transferred)
	assert.Equal(t, 1, m.skipped)
	assert.Equal(t, 1, m.failed)
}

func TestFormatETA(t *testing.T) {
	m := &model{began: time.Now()}
	assert.Equal(t, "ETA --", m.formatETA())

	m.total, m.done = 10, 10
	assert.Equal(t, "ETA 0s", m.formatETA())

	m.done, m.emaRate = 0, 0.1
	assert.Equal(t, "ETA 1m40s", m.formatETA())

	m.emaRate = 1.0 / 3600
	assert.Equal(t, "ETA --", m.formatETA())

	m.total, m.emaRate = 100000, 0.5
	assert.Equal(t, "ETA 55h33m", m.formatETA())
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mbox := filepath.Join(dir, "export.mbox")
	require.NoError(t, os.WriteFile(mbox, nil, 0o600))
	cfg := "source:\n  kind: mbox\n  path: " + mbox + "\n" +
		"destination:\n  host: imap.example.com\n  username: bob\n  password: secret\n"
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestJobsCommands(t *testing.T) {
	store := filepath.Join(t.TempDir(), "jobs.json")
	cfg := writeConfig(t)
	run := func(args ...string) error {
		cmd := newJobsCmd()
		cmd.SetArgs(append(args, "--store", store))
		cmd.SetOut(os.Stderr)
		return cmd.ExecuteContext(context.Background())
	}

	require.NoError(t, run("add", "nightly", "--type", "mbox_to_imap", "--config", cfg, "--cron", "0 2 * * *"))
	assert.Error(t, run("add", "bad", "--type", "mbox_to_imap", "--config", cfg, "--every", "never"))
	assert.Error(t, run("add", "wrong", "--type", "imap_to_gmail", "--config", cfg, "--every", "1h"))
	require.NoError(t, run("disable", "nightly"))

	st := jobs.NewJSONStore(store)
	rec, err := st.Get(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, "mbox_to_imap", rec.Type)
	assert.Equal(t, "0 2 * * *", rec.Cron)
	assert.False(t, rec.Enabled)
	assert.True(t, filepath.IsAbs(rec.ConfigFile))
	_, err = st.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	require.NoError(t, run("list"))
	require.NoError(t, run("remove", "nightly"))
	assert.ErrorIs(t, run("remove", "nightly"), jobs.ErrNotFound)
}
