package harvest

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported by the page source and replay fetcher.
type ErrorKind string

// Error kinds understood by the scanner and engine.
const (
	KindTransport   ErrorKind = "transport"
	KindDecode      ErrorKind = "decode"
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
	KindInterrupted ErrorKind = "interrupted"
)

// Sentinels for errors.Is checks against a *Error of the same kind.
var (
	ErrTransport   = &Error{Kind: KindTransport}
	ErrDecode      = &Error{Kind: KindDecode}
	ErrRateLimited = &Error{Kind: KindRateLimited}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrInterrupted = &Error{Kind: KindInterrupted}
)

// ErrCheckpointWrite marks a failed checkpoint persist. It is the only error
// that aborts a run.
var ErrCheckpointWrite = errors.New("checkpoint write failed")

// Error is a classified page or replay failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, which makes the package sentinels
// usable with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" when the
// error is unclassified.
func KindOf(err error) ErrorKind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}

// Retryable reports whether another attempt at the same request may succeed.
// Decode and not-found failures are terminal for the attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimited:
		return true
	default:
		return false
	}
}
