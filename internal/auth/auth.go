// Package auth turns OAuth2 credential files into a usable token source
// before any transfer starts. Nothing downstream refreshes or prompts.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/pepperpark/mailshift/internal/migrate"
)

// AuthError reports a failed pre-flight for one endpoint.
type AuthError struct {
	Endpoint string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Endpoint, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == migrate.ErrAuth }

// TokenSource loads the client config from credentialsFile and the cached
// token from tokenFile, and makes sure a valid access token can be
// obtained. A refreshed token is written back to tokenFile.
func TokenSource(ctx context.Context, endpoint, credentialsFile, tokenFile string, scopes ...string) (oauth2.TokenSource, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, &AuthError{Endpoint: endpoint, Err: fmt.Errorf("read credentials: %w", err)}
	}
	conf, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, &AuthError{Endpoint: endpoint, Err: fmt.Errorf("parse credentials: %w", err)}
	}
	return ConfigTokenSource(ctx, endpoint, conf, tokenFile)
}

// ConfigTokenSource is TokenSource for an already built oauth2 config.
func ConfigTokenSource(ctx context.Context, endpoint string, conf *oauth2.Config, tokenFile string) (oauth2.TokenSource, error) {
	tok, err := LoadToken(tokenFile)
	if err != nil {
		return nil, &AuthError{Endpoint: endpoint, Err: err}
	}
	ts := conf.TokenSource(ctx, tok)
	fresh, err := ts.Token()
	if err != nil {
		return nil, &AuthError{Endpoint: endpoint, Err: fmt.Errorf("refresh token: %w", err)}
	}
	if fresh.AccessToken != tok.AccessToken {
		if err := SaveToken(tokenFile, fresh); err != nil {
			return nil, &AuthError{Endpoint: endpoint, Err: err}
		}
	}
	return oauth2.ReuseTokenSource(fresh, ts), nil
}

// LoadToken reads a JSON encoded oauth2 token.
func LoadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("token file %s not found; authorize the account first", path)
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token %s has neither access nor refresh token", path)
	}
	return tok, nil
}

// SaveToken writes tok to path with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	b, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}
