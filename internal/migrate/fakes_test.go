package migrate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type fakeSource struct {
	order     []uint32
	msgs      map[uint32]*Candidate
	deletes   [][]uint32
	deleteErr error
	fetchErr  error
}

func newFakeSource(cands ...*Candidate) *fakeSource {
	s := &fakeSource{msgs: make(map[uint32]*Candidate)}
	for _, c := range cands {
		s.order = append(s.order, c.SourceID)
		s.msgs[c.SourceID] = c
	}
	return s
}

func (s *fakeSource) Search(ctx context.Context, query string) ([]uint32, error) {
	out := append([]uint32(nil), s.order...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fakeSource) Fetch(ctx context.Context, ids []uint32) (map[uint32]*Candidate, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	out := make(map[uint32]*Candidate)
	for _, id := range ids {
		if c, ok := s.msgs[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (s *fakeSource) Delete(ctx context.Context, ids []uint32) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletes = append(s.deletes, append([]uint32(nil), ids...))
	for _, id := range ids {
		delete(s.msgs, id)
	}
	return nil
}

func (s *fakeSource) deleted() []uint32 {
	var out []uint32
	for _, d := range s.deletes {
		out = append(out, d...)
	}
	return out
}

type fakeDestination struct {
	mu       sync.Mutex
	present  map[string]bool
	puts     map[uint32]int
	failures map[uint32]int   // remaining transient failures per source id
	fatal    map[uint32]error // errors returned on every attempt
	missing  map[uint32]bool  // Put succeeds but Verify reports absent
	verified []uint32
	annotate []Metadata
	maxSize  int64
	onPut    func()
}

func newFakeDestination(present ...string) *fakeDestination {
	d := &fakeDestination{
		present:  make(map[string]bool),
		puts:     make(map[uint32]int),
		failures: make(map[uint32]int),
		fatal:    make(map[uint32]error),
		missing:  make(map[uint32]bool),
	}
	for _, p := range present {
		d.present[NormalizeMessageID(p)] = true
	}
	return d
}

func (d *fakeDestination) Index(ctx context.Context) (*Index, error) {
	idx := NewIndex()
	for id := range d.present {
		idx.Add(id)
	}
	return idx, nil
}

func (d *fakeDestination) Put(ctx context.Context, c *Candidate, meta Metadata) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.puts[c.SourceID]++
	if d.onPut != nil {
		d.onPut()
	}
	if err := d.fatal[c.SourceID]; err != nil {
		return "", err
	}
	if d.failures[c.SourceID] > 0 {
		d.failures[c.SourceID]--
		return "", errors.New("temporary failure")
	}
	if !d.missing[c.SourceID] && c.MessageID != "" {
		d.present[c.MessageID] = true
	}
	return "", nil
}

func (d *fakeDestination) Annotate(ctx context.Context, id string, meta Metadata) error {
	d.annotate = append(d.annotate, meta)
	return nil
}

func (d *fakeDestination) Verify(ctx context.Context, c *Candidate, id string) (bool, error) {
	d.verified = append(d.verified, c.SourceID)
	return d.present[c.MessageID], nil
}

func (d *fakeDestination) MaxSize() int64 { return d.maxSize }

func (d *fakeDestination) totalPuts() int {
	n := 0
	for _, v := range d.puts {
		n += v
	}
	return n
}

func msg(id uint32, messageID string) *Candidate {
	return &Candidate{
		SourceID:     id,
		MessageID:    messageID,
		Raw:          []byte("Message-ID: <" + messageID + ">\r\n\r\nbody\r\n"),
		InternalDate: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func testOptions() Options {
	o := DefaultOptions()
	o.Quiet = true
	return o
}

func newTestMigrator(src Source, dst Destination, opts Options) (*Migrator, *recordedSleeps, error) {
	m, err := New(src, dst, opts, "INBOX")
	if err != nil {
		return nil, nil, err
	}
	rs := &recordedSleeps{}
	m.Engine().Sleep = rs.sleep
	return m, rs, nil
}
