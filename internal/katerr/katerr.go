// Package katerr defines the error taxonomy shared by the daemon, auth
// store, relay, and SSH front-door so that each transport layer can map an
// error to the right wire representation (HTTP status, WS close code,
// NDJSON {error}) without re-deriving the classification at each call site.
package katerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-layer mapping. It is never
// serialized itself; each transport picks its own representation.
type Kind int

const (
	// KindInternal is the zero value so an unclassified error defaults to
	// the most conservative (least detail leaked) treatment.
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindLockedOut
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindLockedOut:
		return "locked_out"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a Kind-tagged error. RetryAfter is only meaningful for
// KindLockedOut.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter int // seconds, only set for KindLockedOut
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a classified error with no underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf constructs a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error, preserving it for errors.Is/As.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// LockedOut builds a KindLockedOut error carrying the retry-after duration.
func LockedOut(retryAfterSeconds int) *Error {
	return &Error{Kind: KindLockedOut, Msg: "locked out", RetryAfter: retryAfterSeconds}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for any
// error not produced by this package.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}
