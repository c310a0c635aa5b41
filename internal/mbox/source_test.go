package mbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "From alice@example.com Mon Jan  1 10:00:00 2024\n" +
	"From: alice@example.com\n" +
	"Message-ID: <one@example.com>\n" +
	"Date: Mon, 01 Jan 2024 10:00:00 +0000\n" +
	"Status: RO\n" +
	"Subject: one\n" +
	"\n" +
	"first body\n" +
	"\n" +
	"From bob@example.com Tue Jan  2 10:00:00 2024\n" +
	"From: bob@example.com\n" +
	"Subject: two\n" +
	"\n" +
	"second body\n" +
	"\n" +
	"From carol@example.com Wed Jan  3 10:00:00 2024\n" +
	"From: carol@example.com\n" +
	"Message-ID: <three@example.com>\n" +
	"X-Status: F\n" +
	"Subject: three\n" +
	"\n" +
	"third body\n"

func openSample(t *testing.T) *Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "all.mbox")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSearchNumbersMessages(t *testing.T) {
	s := openSample(t)
	ids, err := s.Search(context.Background(), "ALL")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, ids)

	_, err = s.Search(context.Background(), "UNSEEN")
	assert.Error(t, err)
}

func TestFetchCandidates(t *testing.T) {
	s := openSample(t)
	got, err := s.Fetch(context.Background(), []uint32{1, 3})
	require.NoError(t, err)
	require.Len(t, got, 2)

	one := got[1]
	assert.Equal(t, "one@example.com", one.MessageID)
	assert.Equal(t, []string{imap.SeenFlag}, one.Flags)
	assert.True(t, one.InternalDate.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.Contains(t, string(one.Raw), "first body")

	three := got[3]
	assert.Equal(t, "three@example.com", three.MessageID)
	assert.Equal(t, []string{imap.FlaggedFlag}, three.Flags)
}

func TestFetchRewinds(t *testing.T) {
	s := openSample(t)
	got, err := s.Fetch(context.Background(), []uint32{2, 3})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Empty(t, got[2].MessageID)

	got, err = s.Fetch(context.Background(), []uint32{1})
	require.NoError(t, err)
	assert.Equal(t, "one@example.com", got[1].MessageID)
}

func TestFetchPastEndIsMissing(t *testing.T) {
	s := openSample(t)
	got, err := s.Fetch(context.Background(), []uint32{3, 4})
	require.NoError(t, err)
	assert.Contains(t, got, uint32(3))
	assert.NotContains(t, got, uint32(4))
}

func TestDeleteUnsupported(t *testing.T) {
	s := openSample(t)
	assert.ErrorIs(t, s.Delete(context.Background(), []uint32{1}), ErrReadOnly)
}

func TestStatusFlags(t *testing.T) {
	assert.Equal(t, []string{imap.SeenFlag, imap.AnsweredFlag}, statusFlags("RA"))
	assert.Nil(t, statusFlags("O"))
}
