package mesh

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories a core operation can
// surface. Callers discriminate on Kind, never on the reason string.
type Kind uint8

const (
	KindProtocol Kind = iota + 1
	KindConnection
	KindSend
	KindIO
	KindSecurity
	KindValidation
	KindSerialization
	KindStream
	KindDatabase
	KindAgent
	KindRateLimit
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindConnection:
		return "connection"
	case KindSend:
		return "send"
	case KindIO:
		return "io"
	case KindSecurity:
		return "security"
	case KindValidation:
		return "validation"
	case KindSerialization:
		return "serialization"
	case KindStream:
		return "stream"
	case KindDatabase:
		return "database"
	case KindAgent:
		return "agent"
	case KindRateLimit:
		return "rate_limit"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced by every fallible operation in
// this package. Reason is a human-readable description; it is not part
// of the error's identity and must not be pattern-matched by callers.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, mesh.ErrKind(KindRateLimit)) style matching
// on Kind alone, ignoring Reason and Cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && other.Reason == "" && other.Cause == nil
	}
	return false
}

// ErrKind constructs a sentinel usable with errors.Is to test only the
// Kind of an error, e.g. errors.Is(err, mesh.ErrKind(mesh.KindRateLimit)).
func ErrKind(k Kind) error { return &Error{Kind: k} }

func newErr(k Kind, reason string) error {
	return &Error{Kind: k, Reason: reason}
}

func wrapErr(k Kind, reason string, cause error) error {
	return &Error{Kind: k, Reason: reason, Cause: cause}
}

// KindOf extracts the Kind of err if err is (or wraps) a *Error,
// returning (KindOther, false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindOther, false
}

var (
	// ErrBrokerDead-equivalent sentinels used internally; they are
	// unexported, so callers outside the package discriminate on Kind.
	errConnClosed  = newErr(KindConnection, "connection closed")
	errPoolClosed  = newErr(KindConnection, "pool closed")
	errNoHandler   = newErr(KindProtocol, "no handler registered")
	errUnknownPeer = newErr(KindConnection, "peer not in pool")
)
