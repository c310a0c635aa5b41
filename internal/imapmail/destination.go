package imapmail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/pepperpark/mailshift/internal/imaputil"
	"github.com/pepperpark/mailshift/internal/migrate"
)

// indexPage is the number of UIDs fetched per round trip while indexing.
const indexPage = 500

// Destination appends messages to one mailbox.
type Destination struct {
	c        *client.Client
	mailbox  string
	maxSize  int64
	selected bool
}

// NewDestination prepares mailbox on c, creating it when create is set.
func NewDestination(c *client.Client, mailbox string, create bool) (*Destination, error) {
	if create {
		if err := imaputil.EnsureMailbox(c, mailbox); err != nil {
			return nil, fmt.Errorf("create %s: %w", mailbox, err)
		}
	} else if _, err := c.Status(mailbox, []imap.StatusItem{imap.StatusMessages}); err != nil {
		return nil, fmt.Errorf("mailbox %s: %w", mailbox, err)
	}
	return &Destination{c: c, mailbox: mailbox, maxSize: imaputil.AppendLimit(c)}, nil
}

func (d *Destination) selectMailbox() error {
	if d.selected {
		// pick up messages appended since the last select
		return d.c.Noop()
	}
	if _, err := imaputil.SelectMailbox(d.c, d.mailbox, true); err != nil {
		return fmt.Errorf("select %s: %w", d.mailbox, err)
	}
	d.selected = true
	return nil
}

// Index reads the Message-ID header of every message in the mailbox.
func (d *Destination) Index(ctx context.Context) (*migrate.Index, error) {
	if err := d.selectMailbox(); err != nil {
		return nil, err
	}
	uids, err := d.c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", d.mailbox, err)
	}
	idx := migrate.NewIndex()
	items := []imap.FetchItem{imaputil.MessageIDSection.FetchItem(), imap.FetchUid}
	for start := 0; start < len(uids); start += indexPage {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+indexPage, len(uids))
		seq := new(imap.SeqSet)
		seq.AddNum(uids[start:end]...)

		msgs := make(chan *imap.Message, 64)
		doneCh := make(chan error, 1)
		go func() {
			doneCh <- d.c.UidFetch(seq, items, msgs)
		}()
		for msg := range msgs {
			if msg == nil {
				continue
			}
			r := bodyOf(msg, imaputil.MessageIDSection)
			if r == nil {
				continue
			}
			hdr, err := io.ReadAll(r)
			if err != nil {
				continue
			}
			idx.Add(imaputil.MessageID(hdr))
		}
		if err := <-doneCh; err != nil {
			return nil, fmt.Errorf("fetch headers %s: %w", d.mailbox, err)
		}
	}
	return idx, nil
}

// Put appends the raw message with its flags and internal date. IMAP does
// not report the new UID without UIDPLUS, so the id is empty.
func (d *Destination) Put(ctx context.Context, c *migrate.Candidate, meta migrate.Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", migrate.Permanent(err)
	}
	err := d.c.Append(d.mailbox, meta.Flags, c.InternalDate, bytes.NewReader(c.Raw))
	if err == nil {
		return "", nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "TOOBIG") {
		return "", fmt.Errorf("append: %w: %w", migrate.ErrOversize, err)
	}
	return "", fmt.Errorf("append: %w", err)
}

// Annotate is a no-op: flags and keywords are set atomically by APPEND.
func (d *Destination) Annotate(context.Context, string, migrate.Metadata) error {
	return nil
}

// Verify searches the mailbox for the message's Message-ID header.
func (d *Destination) Verify(ctx context.Context, c *migrate.Candidate, _ string) (bool, error) {
	if c.MessageID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := d.selectMailbox(); err != nil {
		return false, err
	}
	criteria := imap.NewSearchCriteria()
	// HEADER matches substrings, so ids without angle brackets match too
	criteria.Header.Add("Message-Id", c.MessageID)
	uids, err := d.c.UidSearch(criteria)
	if err != nil {
		return false, fmt.Errorf("verify search: %w", err)
	}
	return len(uids) > 0, nil
}

// MaxSize is the server's APPENDLIMIT, 0 when not advertised.
func (d *Destination) MaxSize() int64 { return d.maxSize }
