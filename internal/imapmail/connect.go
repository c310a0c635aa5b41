// Package imapmail reads and writes messages over IMAP for the migrate
// pipeline.
package imapmail

import (
	"context"
	"crypto/tls"

	"github.com/emersion/go-imap/client"
	"golang.org/x/oauth2"

	"github.com/pepperpark/mailshift/internal/auth"
	"github.com/pepperpark/mailshift/internal/config"
	"github.com/pepperpark/mailshift/internal/imaputil"
	"github.com/pepperpark/mailshift/internal/migrate"
)

// Connect dials e and authenticates with its configured mechanism. tokens
// is required for xoauth2 and ignored otherwise. Network failures wrap
// migrate.ErrConnection, rejected credentials are an *auth.AuthError.
func Connect(ctx context.Context, e config.Endpoint, tokens oauth2.TokenSource) (*client.Client, error) {
	tlsConfig := &tls.Config{ServerName: e.Host, InsecureSkipVerify: !e.TLSVerify} //nolint:gosec // opt-in via tls_verify: false
	c, err := imaputil.Dial(ctx, e.Host, e.Port, e.TLS, e.StartTLS, tlsConfig)
	if err != nil {
		return nil, migrate.Connection(e.String(), err)
	}
	if err := authenticator(e, tokens)(c); err != nil {
		_ = c.Logout()
		return nil, &auth.AuthError{Endpoint: e.String(), Err: err}
	}
	return c, nil
}

func authenticator(e config.Endpoint, tokens oauth2.TokenSource) imaputil.Auth {
	switch e.Auth {
	case config.AuthPlain:
		return imaputil.PlainAuth(e.Username, e.Password)
	case config.AuthXOAuth2:
		return imaputil.SASLAuth(auth.XOAuth2(e.Username, tokens))
	default:
		return imaputil.LoginAuth(e.Username, e.Password)
	}
}
