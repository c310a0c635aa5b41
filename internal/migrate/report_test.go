package migrate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportSummarize(t *testing.T) {
	r := NewReport()
	r.Record(Result{SourceID: 1, Status: StatusTransferred})
	r.Record(Result{SourceID: 2, Status: StatusSkipped})
	r.Record(Result{SourceID: 3, Status: StatusDeleted})
	r.Record(Result{SourceID: 4, MessageID: "d@x", Status: StatusFailed,
		Err: &Error{Kind: ErrOversize, SourceID: 4, MessageID: "d@x", Err: errors.New("too big")}})

	s := r.Summarize()
	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, 4, s.Considered)
	assert.Equal(t, 2, s.Transferred)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Deleted)
	assert.Equal(t, []ErrorEntry{{SourceID: 4, MessageID: "d@x", Kind: "oversize error", Reason: "too big"}}, s.Errors)

	out := s.String()
	assert.Contains(t, out, "Transferred: 2")
	assert.Contains(t, out, "uid 4 <d@x> [oversize error] too big")
}

func TestErrorMatchesKind(t *testing.T) {
	err := &Error{Kind: ErrVerification, SourceID: 7, Err: errors.New("absent")}
	assert.ErrorIs(t, err, ErrVerification)
	assert.NotErrorIs(t, err, ErrTransfer)
	assert.Equal(t, ErrVerification, KindOf(err))
	assert.Equal(t, "uid 7: verification error: absent", err.Error())

	wrapped := Connection("dial", errors.New("refused"))
	assert.ErrorIs(t, wrapped, ErrConnection)
	assert.False(t, IsPermanent(wrapped))
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.Nil(t, Permanent(nil))
}
