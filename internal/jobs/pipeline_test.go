package jobs

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/mailshift/internal/migrate"
)

const testMbox = "From a@example.com Mon Jan  1 10:00:00 2024\n" +
	"From: a@example.com\n" +
	"Message-ID: <one@example.com>\n" +
	"Subject: one\n" +
	"\n" +
	"hello\n" +
	"\n" +
	"From b@example.com Mon Jan  1 11:00:00 2024\n" +
	"From: b@example.com\n" +
	"Message-ID: <two@example.com>\n" +
	"Subject: two\n" +
	"\n" +
	"world\n"

func startIMAP(t *testing.T) string {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return l.Addr().String()
}

func writeJob(t *testing.T, addr string) string {
	t.Helper()
	dir := t.TempDir()
	mboxPath := filepath.Join(dir, "export.mbox")
	require.NoError(t, os.WriteFile(mboxPath, []byte(testMbox), 0o600))
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	cfg := fmt.Sprintf(`
source:
  kind: mbox
  path: %s
destination:
  host: %s
  port: %s
  tls: false
  username: username
  password: password
  mailbox: Imported
options:
  retry_backoff_sec: 0
`, mboxPath, host, port)
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestDefaultRegistryTypes(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"imap_to_gmail", "imap_to_imap", "mbox_to_gmail", "mbox_to_imap"}, r.Types())
	_, err := r.Lookup("pop3_to_imap")
	assert.Error(t, err)
}

func TestPipelineRejectsOtherKinds(t *testing.T) {
	path := writeJob(t, "127.0.0.1:1")
	h, err := DefaultRegistry().Lookup("imap_to_gmail")
	require.NoError(t, err)
	_, err = h.LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mbox_to_imap")
}

func TestPipelineMboxToIMAP(t *testing.T) {
	addr := startIMAP(t)
	path := writeJob(t, addr)
	h, err := DefaultRegistry().Lookup("mbox_to_imap")
	require.NoError(t, err)

	cfg, err := h.LoadConfig(path)
	require.NoError(t, err)
	cfg.Options.Quiet = true
	sum, err := h.Migrate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Transferred)
	assert.Equal(t, 0, sum.Failed)
	assert.NotEmpty(t, sum.RunID)

	// a second run finds both messages already imported
	cfg, err = h.LoadConfig(path)
	require.NoError(t, err)
	cfg.Options.Quiet = true
	sum, err = h.Migrate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Transferred)
	assert.Equal(t, 2, sum.Skipped)

	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Logout()
	require.NoError(t, c.Login("username", "password"))
	status, err := c.Select("Imported", true)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), status.Messages)
}

func TestPipelineAuthFailureIsFatal(t *testing.T) {
	addr := startIMAP(t)
	path := writeJob(t, addr)
	h, err := DefaultRegistry().Lookup("mbox_to_imap")
	require.NoError(t, err)
	cfg, err := h.LoadConfig(path)
	require.NoError(t, err)
	cfg.Destination.Password = "wrong"

	_, err = h.Migrate(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, migrate.ErrAuth)
}

func TestSchedulerRunsRealPipeline(t *testing.T) {
	addr := startIMAP(t)
	path := writeJob(t, addr)
	st := NewJSONStore(filepath.Join(t.TempDir(), "jobs.json"))
	s := NewScheduler(st, DefaultRegistry())
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, Record{ID: "import", Type: "mbox_to_imap", ConfigFile: path, Interval: "24h", Enabled: true}))

	sum, err := s.RunNow(ctx, "import")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Transferred)
	rec, err := st.Get(ctx, "import")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	require.NotNil(t, rec.LastSummary)
	assert.Equal(t, 2, rec.LastSummary.Transferred)
}
