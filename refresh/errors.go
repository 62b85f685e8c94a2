package refresh

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoToken is reported by CheckValidity when nothing has been persisted yet.
var ErrNoToken = errors.New("no token stored")

// Kind classifies a refresh failure.
type Kind int

const (
	KindConfig Kind = iota + 1
	KindMalformedToken
	KindMissingClaim
	KindAcquisition
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindMalformedToken:
		return "malformed token"
	case KindMissingClaim:
		return "missing claim"
	case KindAcquisition:
		return "acquisition"
	case KindStorage:
		return "storage"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the failure type returned by the Coordinator.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BackoffError is returned without attempting a refresh while the
// coordinator is cooling down after a failure. It wraps that failure.
type BackoffError struct {
	Until time.Time
	Err   error
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("refresh suppressed until %s: %v", e.Until.Format(time.RFC3339), e.Err)
}

func (e *BackoffError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
