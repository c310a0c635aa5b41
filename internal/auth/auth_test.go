package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pepperpark/mailshift/internal/migrate"
)

func TestXOAuth2InitialResponse(t *testing.T) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok123"})
	mech, resp, err := XOAuth2("alice@example.com", ts).Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=alice@example.com\x01auth=Bearer tok123\x01\x01", string(resp))
}

func TestTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	in := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour).Round(time.Second)}
	require.NoError(t, SaveToken(path, in))

	out, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, in.AccessToken, out.AccessToken)
	assert.Equal(t, in.RefreshToken, out.RefreshToken)
	assert.True(t, in.Expiry.Equal(out.Expiry))
}

func TestPreflightFailsFastWithAuthError(t *testing.T) {
	dir := t.TempDir()
	_, err := TokenSource(context.Background(), "gmail", filepath.Join(dir, "missing.json"), filepath.Join(dir, "token.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, migrate.ErrAuth)
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "gmail", ae.Endpoint)
}

func TestConfigTokenSourceUsesValidToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, SaveToken(path, &oauth2.Token{AccessToken: "live", Expiry: time.Now().Add(time.Hour)}))

	ts, err := ConfigTokenSource(context.Background(), "imap", &oauth2.Config{}, path)
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "live", tok.AccessToken)
}
