package migrate

import (
	"context"
	"strings"
	"time"
)

// Candidate is one source message considered for transfer.
type Candidate struct {
	SourceID     uint32
	MessageID    string // normalized, may be empty
	Raw          []byte
	Flags        []string
	InternalDate time.Time
}

// Metadata is what the destination applies to a transferred message.
type Metadata struct {
	Flags  []string // IMAP flags/keywords sent with APPEND
	Labels []string // destination labels (Gmail label names or ids)
	Unread bool
}

// Source reads messages from the migration source.
type Source interface {
	// Search returns the ids matching query in mailbox order.
	Search(ctx context.Context, query string) ([]uint32, error)
	// Fetch returns the candidates for ids. Ids absent from the map
	// vanished between Search and Fetch.
	Fetch(ctx context.Context, ids []uint32) (map[uint32]*Candidate, error)
	// Delete permanently removes ids from the source.
	Delete(ctx context.Context, ids []uint32) error
}

// Destination receives transferred messages.
type Destination interface {
	// Index lists the Message-IDs already present.
	Index(ctx context.Context) (*Index, error)
	// Put writes one message and returns the destination id if the
	// destination assigns one.
	Put(ctx context.Context, c *Candidate, meta Metadata) (string, error)
	// Annotate applies metadata after a successful Put.
	Annotate(ctx context.Context, id string, meta Metadata) error
	// Verify reports whether the message is present.
	Verify(ctx context.Context, c *Candidate, id string) (bool, error)
	// MaxSize is the largest accepted message in bytes, 0 if unknown.
	MaxSize() int64
}

// Index is the set of Message-IDs known at the destination. It is built
// once and only read during the transfer loop.
type Index struct {
	ids map[string]struct{}
}

func NewIndex(ids ...string) *Index {
	idx := &Index{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		idx.Add(id)
	}
	return idx
}

// Add inserts a Message-ID; empty values are ignored.
func (x *Index) Add(id string) {
	id = NormalizeMessageID(id)
	if id == "" {
		return
	}
	x.ids[id] = struct{}{}
}

func (x *Index) Contains(id string) bool {
	if x == nil {
		return false
	}
	id = NormalizeMessageID(id)
	if id == "" {
		return false
	}
	_, ok := x.ids[id]
	return ok
}

func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.ids)
}

// NormalizeMessageID trims whitespace and the enclosing angle brackets so
// header values from different destinations compare equal.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}
