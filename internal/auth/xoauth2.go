package auth

import (
	"fmt"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
)

// GmailIMAPScope grants IMAP access to a Google mailbox.
const GmailIMAPScope = "https://mail.google.com/"

type xOAuth2 struct {
	username string
	tokens   oauth2.TokenSource
}

// XOAuth2 returns a SASL client for the XOAUTH2 mechanism used by Gmail
// and Outlook IMAP.
func XOAuth2(username string, tokens oauth2.TokenSource) sasl.Client {
	return &xOAuth2{username: username, tokens: tokens}
}

func (a *xOAuth2) Start() (string, []byte, error) {
	t, err := a.tokens.Token()
	if err != nil {
		return "", nil, err
	}
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, t.AccessToken)
	return "XOAUTH2", []byte(resp), nil
}

// Next handles the error challenge: the server sends a JSON status and
// expects an empty response before failing the command.
func (a *xOAuth2) Next(fromServer []byte) ([]byte, error) {
	return []byte{}, fmt.Errorf("xoauth2: %s", fromServer)
}
