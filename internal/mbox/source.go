// Package mbox reads an mbox file as a migration source. Messages are
// numbered 1..N in file order.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/pepperpark/mailshift/internal/imaputil"
	"github.com/pepperpark/mailshift/internal/migrate"
)

// ErrReadOnly is returned by Delete: mbox files are never rewritten.
var ErrReadOnly = errors.New("mbox source is read-only")

// Source streams messages from an mbox file.
type Source struct {
	path string
	f    *os.File
	r    *mbox.Reader
	next uint32 // number of the message NextMessage returns
}

func Open(path string) (*Source, error) {
	s := &Source{path: path}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) rewind() error {
	if s.f != nil {
		_ = s.f.Close()
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	s.f = f
	s.r = mbox.NewReader(bufio.NewReader(f))
	s.next = 1
	return nil
}

func (s *Source) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Search counts the messages in the file. Only ALL is supported.
func (s *Source) Search(ctx context.Context, query string) ([]uint32, error) {
	if q := strings.TrimSpace(query); q != "" && !strings.EqualFold(q, "ALL") {
		return nil, fmt.Errorf("mbox: unsupported search query %q", query)
	}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	var ids []uint32
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mr, err := s.r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read mbox: %w", err)
		}
		if _, err := io.Copy(io.Discard, mr); err != nil {
			return nil, fmt.Errorf("read mbox: %w", err)
		}
		ids = append(ids, uint32(len(ids)+1))
	}
	return ids, s.rewind()
}

// Fetch reads the requested messages. Ids are expected in ascending
// order; an id behind the read position restarts from the top.
func (s *Source) Fetch(ctx context.Context, ids []uint32) (map[uint32]*migrate.Candidate, error) {
	out := make(map[uint32]*migrate.Candidate, len(ids))
	want := make(map[uint32]bool, len(ids))
	var last uint32
	for _, id := range ids {
		want[id] = true
		if id < s.next {
			if err := s.rewind(); err != nil {
				return out, err
			}
		}
		last = max(last, id)
	}
	for s.next <= last {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		mr, err := s.r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("read mbox message %d: %w", s.next, err)
		}
		id := s.next
		s.next++
		if !want[id] {
			if _, err := io.Copy(io.Discard, mr); err != nil {
				return out, fmt.Errorf("read mbox message %d: %w", id, err)
			}
			continue
		}
		raw, err := io.ReadAll(mr)
		if err != nil {
			return out, fmt.Errorf("read mbox message %d: %w", id, err)
		}
		out[id] = candidate(id, raw)
	}
	return out, nil
}

func (s *Source) Delete(context.Context, []uint32) error {
	return ErrReadOnly
}

func candidate(id uint32, raw []byte) *migrate.Candidate {
	c := &migrate.Candidate{
		SourceID:  id,
		Raw:       raw,
		MessageID: migrate.NormalizeMessageID(imaputil.MessageID(raw)),
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return c
	}
	mh := mail.Header{Header: message.Header{Header: h}}
	if t, err := mh.Date(); err == nil {
		c.InternalDate = t
	}
	c.Flags = statusFlags(h.Get("Status") + h.Get("X-Status"))
	return c
}

// statusFlags maps the Status/X-Status letters written by mail clients to
// IMAP flags.
func statusFlags(status string) []string {
	var flags []string
	for _, r := range status {
		var f string
		switch r {
		case 'R':
			f = imap.SeenFlag
		case 'A':
			f = imap.AnsweredFlag
		case 'F':
			f = imap.FlaggedFlag
		case 'T':
			f = imap.DraftFlag
		}
		if f != "" && !slices.Contains(flags, f) {
			flags = append(flags, f)
		}
	}
	return flags
}
