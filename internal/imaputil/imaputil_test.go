package imaputil

import (
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSearchQuery(t *testing.T) {
	c, err := ParseSearchQuery(`UNSEEN SINCE 01-Jan-2024 FROM "Alice Smith"`)
	require.NoError(t, err)
	assert.Equal(t, []string{imap.SeenFlag}, c.WithoutFlags)
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), c.Since.UTC())
	assert.Equal(t, "Alice Smith", c.Header.Get("From"))
}

func TestParseSearchQueryAll(t *testing.T) {
	for _, q := range []string{"", "ALL", "  all "} {
		c, err := ParseSearchQuery(q)
		require.NoError(t, err, q)
		assert.Empty(t, c.WithFlags, q)
		assert.Empty(t, c.WithoutFlags, q)
		assert.True(t, c.Since.IsZero(), q)
	}
}

func TestParseSearchQueryErrors(t *testing.T) {
	for _, q := range []string{`FROM "open`, "(SEEN", "SEEN)", "SINCE not-a-date"} {
		_, err := ParseSearchQuery(q)
		assert.Error(t, err, q)
	}
}

func TestMessageID(t *testing.T) {
	raw := []byte("From: a@example.com\r\nMessage-ID: <abc@example.com>\r\nSubject: hi\r\n\r\nbody\r\n")
	assert.Equal(t, "<abc@example.com>", MessageID(raw))

	headerOnly := []byte("Message-Id: <x@y>\r\n\r\n")
	assert.Equal(t, "<x@y>", MessageID(headerOnly))

	assert.Equal(t, "", MessageID([]byte("Subject: none\r\n\r\n")))
	assert.Equal(t, "", MessageID(nil))
}
