package migrate

import (
	"errors"
	"fmt"
)

// Error kinds. Only ErrConnection and ErrAuth abort a run; the others are
// recorded for a single message.
var (
	ErrConnection   = errors.New("connection error")
	ErrAuth         = errors.New("auth error")
	ErrFetch        = errors.New("fetch error")
	ErrTransfer     = errors.New("transfer error")
	ErrVerification = errors.New("verification error")
	ErrOversize     = errors.New("oversize error")
	ErrFinalize     = errors.New("finalize error")
)

var (
	errVanished     = errors.New("message vanished before fetch")
	errEmptyMessage = errors.New("message has zero bytes")
	errNotVerified  = errors.New("message not found at destination")
	errNoMessageID  = errors.New("no Message-ID to verify with")
)

// Error is a per-message failure.
type Error struct {
	Kind      error
	SourceID  uint32
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("uid %d", e.SourceID)
	if e.MessageID != "" {
		s += " <" + e.MessageID + ">"
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// KindOf returns the error kind of err, or nil if it has none.
func KindOf(err error) error {
	for _, k := range []error{ErrConnection, ErrAuth, ErrFetch, ErrTransfer, ErrVerification, ErrOversize, ErrFinalize} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func newError(kind error, c *Candidate, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	if c != nil {
		e.SourceID = c.SourceID
		e.MessageID = c.MessageID
	}
	return e
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried. Oversize errors
// are always permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrOversize)
}

// Connection wraps err as a run-fatal connection error.
func Connection(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrConnection, err)
}
