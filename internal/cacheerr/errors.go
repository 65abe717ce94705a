// Package cacheerr defines the error taxonomy shared by every tier and by
// the orchestrator: validation, capacity, transient, unavailable, not-found
// and disposed errors, each classified for the retry and circuit-breaker
// policies in package recovery.
package cacheerr

import "github.com/pkg/errors"

// Kind classifies an error for retry and circuit-breaker purposes.
type Kind int

const (
	// KindValidation covers bad keys, bad value shapes, bad configuration.
	// Never retried.
	KindValidation Kind = iota
	// KindCapacity is returned when a tier refuses a write that would
	// exceed its configured size budget.
	KindCapacity
	// KindTransient covers I/O timeouts, 5xx, connection resets. Retried
	// under the owning tier's recovery policy.
	KindTransient
	// KindUnavailable marks a tier the orchestrator has flagged down; the
	// caller should skip it and try the next tier.
	KindUnavailable
	// KindNotFound marks absence rather than failure. Tier Get reports a
	// miss as an absent result, not an error; the registry client wraps
	// 404 responses in this kind, which IsNotFound detects.
	KindNotFound
	// KindDisposed marks an operation attempted after Dispose.
	KindDisposed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCapacity:
		return "capacity"
	case KindTransient:
		return "transient"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	case KindDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried through the cache. It wraps an
// underlying cause (possibly nil) and tags it with a Kind so that recovery
// policy and circuit-breaker accounting can classify it without string
// matching.
type Error struct {
	Kind  Kind
	Tier  string
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

// Cause implements the github.com/pkg/errors Causer interface.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/errors.As from the standard library too.
func (e *Error) Unwrap() error { return e.cause }

// New builds a cacheerr.Error of the given kind.
func New(kind Kind, tier, msg string) *Error {
	return &Error{Kind: kind, Tier: tier, Msg: msg}
}

// Wrap builds a cacheerr.Error of the given kind around cause.
func Wrap(kind Kind, tier, msg string, cause error) *Error {
	if cause == nil {
		return New(kind, tier, msg)
	}
	return &Error{Kind: kind, Tier: tier, Msg: msg, cause: errors.WithStack(cause)}
}

// KindOf extracts the Kind of err, defaulting to KindTransient for unknown
// errors so that unexpected failures still participate in retry/breaker
// accounting instead of being silently surfaced as validation errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// Retryable reports whether errors of this kind should count against a
// retry budget.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// IsNotFound reports whether err represents cache absence rather than a
// real failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
