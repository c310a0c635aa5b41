package imapmail

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/pepperpark/mailshift/internal/imaputil"
	"github.com/pepperpark/mailshift/internal/migrate"
)

// Source reads one mailbox by UID.
type Source struct {
	c       *client.Client
	mailbox string
}

// NewSource selects mailbox on c. The mailbox is opened read-only unless
// writable is set, which Delete requires.
func NewSource(c *client.Client, mailbox string, writable bool) (*Source, error) {
	if _, err := imaputil.SelectMailbox(c, mailbox, !writable); err != nil {
		return nil, fmt.Errorf("select %s: %w", mailbox, err)
	}
	return &Source{c: c, mailbox: mailbox}, nil
}

func (s *Source) Search(ctx context.Context, query string) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uids, err := imaputil.SearchUIDs(s.c, query)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", s.mailbox, err)
	}
	return uids, nil
}

var fetchSection = &imap.BodySectionName{Peek: true}

// Fetch downloads full messages with flags and internal date. A message
// whose body the server did not return yields a candidate with no bytes.
func (s *Source) Fetch(ctx context.Context, ids []uint32) (map[uint32]*migrate.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[uint32]*migrate.Candidate, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	seq := new(imap.SeqSet)
	seq.AddNum(ids...)
	items := []imap.FetchItem{fetchSection.FetchItem(), imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid}

	msgs := make(chan *imap.Message, 64)
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- s.c.UidFetch(seq, items, msgs)
	}()
	var readErr error
	for msg := range msgs {
		if msg == nil || msg.Uid == 0 {
			continue
		}
		c := &migrate.Candidate{SourceID: msg.Uid, Flags: msg.Flags, InternalDate: msg.InternalDate}
		if r := bodyOf(msg, fetchSection); r != nil {
			raw, err := io.ReadAll(r)
			if err != nil {
				// a truncated body must not be transferred
				readErr = fmt.Errorf("read uid %d: %w", msg.Uid, err)
				continue
			}
			c.Raw = raw
			c.MessageID = migrate.NormalizeMessageID(imaputil.MessageID(raw))
		}
		out[msg.Uid] = c
	}
	if err := <-doneCh; err != nil {
		return out, fmt.Errorf("fetch %s: %w", s.mailbox, err)
	}
	return out, readErr
}

// Delete flags ids \Deleted and expunges the mailbox.
func (s *Source) Delete(ctx context.Context, ids []uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return imaputil.DeleteUIDs(s.c, ids)
}

// bodyOf returns the literal for section, or the only body the server
// sent if it named the section differently.
func bodyOf(msg *imap.Message, section *imap.BodySectionName) imap.Literal {
	if r := msg.GetBody(section); r != nil {
		return r
	}
	if len(msg.Body) == 1 {
		for _, r := range msg.Body {
			return r
		}
	}
	return nil
}
