package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
)

// Engine decides and performs the transfer of single candidates.
type Engine struct {
	dst  Destination
	opts Options

	// Sleep waits between retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(dst Destination, opts Options) *Engine {
	return &Engine{dst: dst, opts: opts, Sleep: sleepCtx}
}

// Outcome is a Result plus whether the source copy is staged for deletion.
type Outcome struct {
	Result
	StageDelete bool
	// Interrupted is set when ctx was cancelled before the write finished.
	Interrupted bool
}

// MaxBackoff caps the delay between retries.
const MaxBackoff = time.Hour

// Backoff returns the delay before retry number attempt (0-based):
// base * 2^attempt, saturating at MaxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	if base >= MaxBackoff || attempt >= 62 || base > MaxBackoff>>uint(attempt) {
		return MaxBackoff
	}
	return base << uint(attempt)
}

// TransferOne runs skip/transfer/annotate/verify for c. It never aborts
// the run; every failure is described in the returned Result.
func (e *Engine) TransferOne(ctx context.Context, c *Candidate, idx *Index) Outcome {
	res := Result{SourceID: c.SourceID, MessageID: c.MessageID}

	if e.opts.DedupeBy == DedupeMessageID && c.MessageID != "" && idx.Contains(c.MessageID) {
		res.Status = StatusSkipped
		return Outcome{Result: res}
	}
	if len(c.Raw) == 0 {
		res.Status = StatusFailed
		res.Err = newError(ErrFetch, c, errEmptyMessage)
		return Outcome{Result: res}
	}
	if limit := e.sizeLimit(); limit > 0 && int64(len(c.Raw)) > limit {
		res.Status = StatusFailed
		res.Err = newError(ErrOversize, c, fmt.Errorf("%d bytes exceeds limit of %d", len(c.Raw), limit))
		return Outcome{Result: res}
	}

	meta := e.metadata(c)
	if e.opts.DryRun {
		e.opts.logf("[dry-run] transfer uid %d flags=%v date=%s", c.SourceID, meta.Flags, c.InternalDate.Format(time.RFC3339))
		res.Status = StatusTransferred
		res.Note = "dry-run"
		return Outcome{Result: res}
	}

	id, attempts, err := e.put(ctx, c, meta)
	res.Attempts = attempts
	if err != nil && ctx.Err() != nil {
		res.Status = StatusSkipped
		res.Note = "interrupted"
		return Outcome{Result: res, Interrupted: true}
	}
	if err != nil {
		kind := ErrTransfer
		if errors.Is(err, ErrOversize) {
			kind = ErrOversize
		}
		res.Status = StatusFailed
		res.Err = newError(kind, c, err)
		return Outcome{Result: res}
	}
	res.Status = StatusTransferred
	res.DestinationID = id

	if err := e.dst.Annotate(ctx, id, meta); err != nil {
		e.opts.logf("[migrate] uid %d: apply metadata: %v", c.SourceID, err)
		res.Note = "metadata not applied: " + err.Error()
	}

	if !e.opts.DeleteAfterTransfer {
		return Outcome{Result: res}
	}
	if !e.opts.SafetyMode {
		return Outcome{Result: res, StageDelete: true}
	}
	if c.MessageID == "" && id == "" {
		res.Err = newError(ErrVerification, c, errNoMessageID)
		res.Note = "source kept: verification not possible"
		return Outcome{Result: res}
	}
	ok, verr := e.dst.Verify(ctx, c, id)
	if verr != nil || !ok {
		if verr == nil {
			verr = errNotVerified
		}
		e.opts.logf("[migrate] uid %d: skipping deletion: %v", c.SourceID, verr)
		res.Err = newError(ErrVerification, c, verr)
		res.Note = "source kept: verification failed"
		return Outcome{Result: res}
	}
	return Outcome{Result: res, StageDelete: true}
}

func (e *Engine) put(ctx context.Context, c *Candidate, meta Metadata) (string, int, error) {
	for attempt := 0; ; attempt++ {
		id, err := e.dst.Put(ctx, c, meta)
		if err == nil {
			return id, attempt + 1, nil
		}
		if IsPermanent(err) || attempt >= e.opts.MaxRetries {
			if !IsPermanent(err) && e.opts.MaxRetries > 0 {
				e.opts.logf("[migrate] uid %d: transfer failed after %d retries: %v", c.SourceID, e.opts.MaxRetries, err)
			}
			return "", attempt + 1, err
		}
		delay := Backoff(e.opts.RetryBackoff, attempt)
		e.opts.logf("[migrate] uid %d: transfer failed (attempt %d/%d): %v; retrying in %s", c.SourceID, attempt+1, e.opts.MaxRetries, err, delay)
		if serr := e.Sleep(ctx, delay); serr != nil {
			return "", attempt + 1, serr
		}
	}
}

func (e *Engine) sizeLimit() int64 {
	limit := e.dst.MaxSize()
	if o := e.opts.MaxMessageBytes; o > 0 && (limit == 0 || o < limit) {
		limit = o
	}
	return limit
}

// metadata derives destination flags from the source flags: \Recent is
// server-managed, \Seen is dropped when the copy must arrive unread, and
// labels are added as keywords. Without MarkAsUnread the source read
// state is kept.
func (e *Engine) metadata(c *Candidate) Metadata {
	flags := make([]string, 0, len(c.Flags)+len(e.opts.Labels))
	seen := make(map[string]bool)
	add := func(f string) {
		k := strings.ToLower(f)
		if f == "" || seen[k] {
			return
		}
		seen[k] = true
		flags = append(flags, f)
	}
	read := false
	for _, f := range c.Flags {
		if strings.EqualFold(f, imap.SeenFlag) {
			read = true
		}
		switch {
		case strings.EqualFold(f, imap.RecentFlag):
		case strings.EqualFold(f, imap.SeenFlag) && e.opts.MarkAsUnread:
		default:
			add(f)
		}
	}
	for _, l := range e.opts.Labels {
		add(l)
	}
	return Metadata{Flags: flags, Labels: e.opts.Labels, Unread: e.opts.MarkAsUnread || !read}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
