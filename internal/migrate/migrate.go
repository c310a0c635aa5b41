package migrate

import "context"

// Migrator runs the pipeline over one source and one destination session.
type Migrator struct {
	src    Source
	dst    Destination
	opts   Options
	engine *Engine
	report *Report
	events chan Event
	label  string
}

// New validates opts and prepares a run. label names the source mailbox
// in events and logs.
func New(src Source, dst Destination, opts Options, label string) (*Migrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Migrator{
		src:    src,
		dst:    dst,
		opts:   opts,
		engine: NewEngine(dst, opts),
		report: NewReport(),
		events: make(chan Event, 128),
		label:  label,
	}, nil
}

// Engine exposes the transfer engine, e.g. to replace its sleep function.
func (m *Migrator) Engine() *Engine { return m.engine }

// Events returns a read-only channel of progress events. It is closed
// when Run returns.
func (m *Migrator) Events() <-chan Event { return m.events }

func (m *Migrator) emit(ev Event) {
	ev.Mailbox = m.label
	select {
	case m.events <- ev:
	default:
		// drop if slow consumer
	}
}

// Run migrates every message matching the search query. The returned
// report is complete up to the point of failure; err is non-nil only for
// run-fatal errors and cancellation.
func (m *Migrator) Run(ctx context.Context) (*Report, error) {
	defer close(m.events)
	defer m.report.finish()

	m.emit(Event{Type: EventRunStart})
	m.opts.logf("[migrate] %s: searching %q", m.label, m.opts.SearchQuery)
	ids, err := m.src.Search(ctx, m.opts.SearchQuery)
	if err != nil {
		return m.report, Connection("search source", err)
	}
	m.opts.logf("[migrate] %s: found %d messages to consider", m.label, len(ids))

	idx := NewIndex()
	if m.opts.DedupeBy == DedupeMessageID {
		m.opts.logf("[migrate] %s: building destination Message-ID index", m.label)
		idx, err = m.dst.Index(ctx)
		if err != nil {
			return m.report, Connection("index destination", err)
		}
		m.opts.logf("[migrate] %s: indexed %d Message-IDs at destination", m.label, idx.Len())
	}

	total := len(ids)
	done := 0
	m.emit(Event{Type: EventProgress, Total: total, Done: done})

	cur := &cursor{ids: ids}
	transferred := make(map[string]bool)
	var staged []Outcome
	for {
		batch := cur.next(m.opts.BatchSize)
		if len(batch) == 0 {
			break
		}
		cands, ferr := m.src.Fetch(ctx, batch)
		if ferr != nil {
			if ctx.Err() != nil {
				m.discard(staged)
				return m.report, ctx.Err()
			}
			m.opts.logf("[migrate] %s: fetch batch of %d: %v", m.label, len(batch), ferr)
		}
		for _, id := range batch {
			if err := ctx.Err(); err != nil {
				m.discard(staged)
				return m.report, err
			}
			out := m.process(ctx, id, cands, ferr, idx, transferred)
			if out.Interrupted {
				m.report.Record(out.Result)
				m.discard(staged)
				return m.report, ctx.Err()
			}
			if out.StageDelete {
				staged = append(staged, out)
			} else {
				m.report.Record(out.Result)
			}
			done++
			m.emit(Event{Type: EventProgress, Total: total, Done: done, Status: out.Status, Err: out.Err})
			if m.opts.IdleDelay > 0 {
				if err := sleepCtx(ctx, m.opts.IdleDelay); err != nil {
					m.discard(staged)
					return m.report, err
				}
			}
		}
		if m.opts.Finalize == FinalizeBatch {
			if err := ctx.Err(); err != nil {
				m.discard(staged)
				return m.report, err
			}
			m.finalize(ctx, staged)
			staged = nil
		}
		s := m.report.Summarize()
		m.opts.logf("[migrate] %s: progress: transferred %d, skipped %d, failed %d of %d", m.label, s.Transferred+len(staged), s.Skipped, s.Failed, total)
	}
	if len(staged) > 0 {
		if err := ctx.Err(); err != nil {
			m.discard(staged)
			return m.report, err
		}
		m.finalize(ctx, staged)
	}
	m.emit(Event{Type: EventRunDone, Total: total, Done: done})
	return m.report, nil
}

func (m *Migrator) process(ctx context.Context, id uint32, cands map[uint32]*Candidate, ferr error, idx *Index, transferred map[string]bool) Outcome {
	c, ok := cands[id]
	if !ok {
		cause := errVanished
		if ferr != nil {
			cause = ferr
		}
		return Outcome{Result: Result{SourceID: id, Status: StatusFailed, Err: &Error{Kind: ErrFetch, SourceID: id, Err: cause}}}
	}
	dedupe := m.opts.DedupeBy == DedupeMessageID && c.MessageID != ""
	if dedupe && transferred[c.MessageID] {
		return Outcome{Result: Result{SourceID: id, MessageID: c.MessageID, Status: StatusSkipped, Note: "duplicate in source"}}
	}
	out := m.engine.TransferOne(ctx, c, idx)
	if dedupe && out.Status == StatusTransferred {
		transferred[c.MessageID] = true
	}
	if out.Err != nil {
		m.opts.logf("[migrate] %s: %v", m.label, out.Err)
	}
	return out
}

// finalize deletes the staged source messages in one call and records
// their final results.
func (m *Migrator) finalize(ctx context.Context, staged []Outcome) {
	if len(staged) == 0 {
		return
	}
	ids := make([]uint32, len(staged))
	for i, o := range staged {
		ids[i] = o.SourceID
	}
	m.opts.logf("[migrate] %s: deleting %d source messages", m.label, len(ids))
	err := m.src.Delete(ctx, ids)
	for _, o := range staged {
		res := o.Result
		if err != nil {
			res.Err = &Error{Kind: ErrFinalize, SourceID: res.SourceID, MessageID: res.MessageID, Err: err}
			res.Note = "source kept: delete failed"
		} else {
			res.Status = StatusDeleted
		}
		m.report.Record(res)
	}
	if err != nil {
		m.opts.logf("[migrate] %s: delete/expunge on source: %v", m.label, err)
	}
}

// discard records staged outcomes without deleting their source copies.
func (m *Migrator) discard(staged []Outcome) {
	for _, o := range staged {
		res := o.Result
		res.Note = "source kept: run interrupted before finalize"
		m.report.Record(res)
	}
	if len(staged) > 0 {
		m.opts.logf("[migrate] %s: discarded %d staged deletions", m.label, len(staged))
	}
}

// cursor hands out the search result once, in order.
type cursor struct {
	ids []uint32
	pos int
}

func (c *cursor) next(n int) []uint32 {
	if c.pos >= len(c.ids) {
		return nil
	}
	end := c.pos + n
	if end > len(c.ids) {
		end = len(c.ids)
	}
	b := c.ids[c.pos:end]
	c.pos = end
	return b
}
