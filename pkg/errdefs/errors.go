package errdefs

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable tag attached to every front door error.
type Kind string

// All kinds known to the front door. The string values are part of the
// logging and API contract and must not change.
const (
	KindValidation         Kind = "VALIDATION"
	KindLockTimeout        Kind = "LOCK_TIMEOUT"
	KindLockIO             Kind = "LOCK_IO"
	KindConfigCorrupt      Kind = "CONFIG_CORRUPT"
	KindConfigIO           Kind = "CONFIG_IO"
	KindConfigCrossFS      Kind = "CONFIG_CROSS_FS"
	KindCertIO             Kind = "CERT_IO"
	KindCertBuild          Kind = "CERT_BUILD"
	KindCertExpired        Kind = "CERT_EXPIRED"
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindProbeUnreachable   Kind = "PROBE_UNREACHABLE"
	KindProbeAmbiguous     Kind = "PROBE_AMBIGUOUS"
	KindProxyUnhealthy     Kind = "PROXY_UNHEALTHY"
	KindMaxAttemptsReached Kind = "MAX_ATTEMPTS_REACHED"
	KindTimeout            Kind = "TIMEOUT"
	KindEnvUnusable        Kind = "ENV_UNUSABLE"
	KindUnknown            Kind = "UNKNOWN"
)

// Common errors that can be checked with errors.Is().
var (
	// ErrCircuitOpen is returned when a circuit breaker rejects a call
	// without invoking the wrapped function.
	ErrCircuitOpen = New(KindCircuitOpen, "circuit breaker is open")

	// ErrRateLimited is returned when an operation-class budget is exhausted.
	ErrRateLimited = New(KindRateLimited, "operation rate limit exceeded")

	// ErrLockTimeout is returned when an advisory lock could not be acquired
	// within the caller's deadline.
	ErrLockTimeout = New(KindLockTimeout, "lock acquisition timed out")

	// ErrTimeout is returned when an external call exceeded its deadline.
	ErrTimeout = New(KindTimeout, "operation deadline exceeded")

	// ErrEnvUnusable is returned when no candidate base directory is both
	// readable and writable.
	ErrEnvUnusable = New(KindEnvUnusable, "no usable base directory")
)

// Error is the structured error value used across the front door.
type Error struct {
	// Kind is the stable taxonomy tag.
	Kind Kind

	// Message is the human-readable description.
	Message string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that preserves cause for errors.Is/As traversal.
// A nil cause is allowed and equivalent to New.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind, so errors.Is(err, ErrRateLimited)
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the taxonomy kind of err, or KindUnknown when err carries
// no front door kind anywhere in its chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err is safe to retry. Admission failures from
// the breaker are deliberately not transient: retrying from inside the
// guarded path would defeat the fast-fail contract.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindLockTimeout, KindConfigIO, KindCertIO, KindProxyUnhealthy, KindTimeout:
		return true
	default:
		return false
	}
}
