package imaputil

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
)

// Auth authenticates an established connection.
type Auth func(c *client.Client) error

// LoginAuth uses the IMAP LOGIN command.
func LoginAuth(user, pass string) Auth {
	return func(c *client.Client) error { return c.Login(user, pass) }
}

// SASLAuth uses AUTHENTICATE with the given mechanism client.
func SASLAuth(a sasl.Client) Auth {
	return func(c *client.Client) error { return c.Authenticate(a) }
}

// PlainAuth uses AUTHENTICATE PLAIN.
func PlainAuth(user, pass string) Auth {
	return SASLAuth(sasl.NewPlainClient("", user, pass))
}

// Dial connects to an IMAP server with implicit TLS, STARTTLS or, when
// both are off, a plain connection.
func Dial(ctx context.Context, host string, port int, implicitTLS, startTLS bool, tlsConfig *tls.Config) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	var c *client.Client
	var err error
	if implicitTLS {
		c, err = client.DialTLS(addr, tlsConfig)
		if err != nil {
			return nil, err
		}
	} else {
		c, err = client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if startTLS {
			// Plain connection, then upgrade with STARTTLS
			if err := c.StartTLS(tlsConfig); err != nil {
				_ = c.Logout()
				return nil, err
			}
		}
	}
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("MAILSHIFT_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}
	return c, nil
}

// ListMailboxes returns all mailbox names.
func ListMailboxes(ctx context.Context, c *client.Client) ([]string, error) {
	mailboxes := []string{}
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	hasInbox := false
	go func() {
		done <- c.List("", "*", ch)
		close(done)
	}()
	for m := range ch {
		if m != nil {
			mailboxes = append(mailboxes, m.Name)
			if strings.EqualFold(m.Name, "INBOX") {
				hasInbox = true
			}
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if !hasInbox {
		mailboxes = append(mailboxes, "INBOX")
	}
	return mailboxes, nil
}

// SelectMailbox selects a mailbox in read-only or read-write mode.
func SelectMailbox(c *client.Client, name string, readOnly bool) (*imap.MailboxStatus, error) {
	return c.Select(name, readOnly)
}

// EnsureMailbox tries to select mailbox and creates it if missing.
func EnsureMailbox(c *client.Client, name string) error {
	if _, err := SelectMailbox(c, name, false); err == nil {
		return nil
	}
	if err := c.Create(name); err != nil {
		if _, selErr := SelectMailbox(c, name, false); selErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// AppendLimit returns the APPENDLIMIT advertised by the server, or 0.
func AppendLimit(c *client.Client) int64 {
	caps, err := c.Capability()
	if err != nil {
		return 0
	}
	for name := range caps {
		v, ok := strings.CutPrefix(strings.ToUpper(name), "APPENDLIMIT=")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// DeleteUIDs flags uids \Deleted and expunges the selected mailbox.
func DeleteUIDs(c *client.Client, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	seq := new(imap.SeqSet)
	seq.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seq, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

// MessageIDSection fetches only the Message-ID header without setting \Seen.
var MessageIDSection = &imap.BodySectionName{
	BodyPartName: imap.BodyPartName{
		Specifier: imap.HeaderSpecifier,
		Fields:    []string{"MESSAGE-ID"},
	},
	Peek: true,
}

// MessageID extracts the Message-ID header from a raw message or header
// block. It returns "" when the header is missing or unparseable.
func MessageID(raw []byte) string {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err == nil {
		return strings.TrimSpace(h.Get("Message-Id"))
	}
	// Malformed header block: fall back to a line scan.
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "Message-ID") {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
