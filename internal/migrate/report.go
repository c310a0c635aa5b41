package migrate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusTransferred Status = "transferred"
	StatusSkipped     Status = "skipped"
	StatusFailed      Status = "failed"
	StatusDeleted     Status = "deleted"
)

// Result is the outcome for one source message.
type Result struct {
	SourceID      uint32
	MessageID     string
	Status        Status
	DestinationID string
	Attempts      int
	Err           error
	Note          string
}

// ErrorEntry is one line of operator-facing error detail.
type ErrorEntry struct {
	SourceID  uint32 `json:"source_id"`
	MessageID string `json:"message_id,omitempty"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
}

// Summary aggregates a run.
type Summary struct {
	RunID       string       `json:"run_id"`
	Started     time.Time    `json:"started"`
	Finished    time.Time    `json:"finished"`
	Considered  int          `json:"considered"`
	Transferred int          `json:"transferred"`
	Skipped     int          `json:"skipped"`
	Failed      int          `json:"failed"`
	Deleted     int          `json:"deleted"`
	Errors      []ErrorEntry `json:"errors,omitempty"`
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transferred: %d\n", s.Transferred)
	fmt.Fprintf(&b, "Skipped (dedupe): %d\n", s.Skipped)
	fmt.Fprintf(&b, "Failed: %d\n", s.Failed)
	fmt.Fprintf(&b, "Deleted from source: %d\n", s.Deleted)
	if len(s.Errors) > 0 {
		b.WriteString("Errors:\n")
		for _, e := range s.Errors {
			fmt.Fprintf(&b, " - uid %d", e.SourceID)
			if e.MessageID != "" {
				fmt.Fprintf(&b, " <%s>", e.MessageID)
			}
			fmt.Fprintf(&b, " [%s] %s\n", e.Kind, e.Reason)
		}
	}
	return b.String()
}

// Report collects results in the order they are recorded.
type Report struct {
	mu       sync.Mutex
	runID    string
	started  time.Time
	finished time.Time
	results  []Result
}

func NewReport() *Report {
	return &Report{runID: uuid.NewString(), started: time.Now()}
}

func (r *Report) RunID() string { return r.runID }

func (r *Report) Record(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns a copy of the recorded results.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

func (r *Report) finish() {
	r.mu.Lock()
	r.finished = time.Now()
	r.mu.Unlock()
}

func (r *Report) Summarize() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{RunID: r.runID, Started: r.started, Finished: r.finished, Considered: len(r.results)}
	for _, res := range r.results {
		switch res.Status {
		case StatusTransferred:
			s.Transferred++
		case StatusDeleted:
			s.Transferred++
			s.Deleted++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
		if res.Err != nil {
			kind := "error"
			if k := KindOf(res.Err); k != nil {
				kind = k.Error()
			}
			reason := res.Err.Error()
			var me *Error
			if errors.As(res.Err, &me) && me.Err != nil {
				reason = me.Err.Error()
			}
			s.Errors = append(s.Errors, ErrorEntry{
				SourceID:  res.SourceID,
				MessageID: res.MessageID,
				Kind:      kind,
				Reason:    reason,
			})
		}
	}
	return s
}
