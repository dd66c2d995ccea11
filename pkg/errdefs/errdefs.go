package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error per the orchestrator's taxonomy. Components
// never swallow errors; they classify and pass a structured error up.
type Kind string

const (
	// KindValidation covers bad signatures, bad payloads, and spec
	// allow-list violations. Fatal to the request; never retried.
	KindValidation Kind = "validation"

	// KindConflict covers state-transition precondition failures.
	// Recovered locally by re-reading and retrying up to a small bound.
	KindConflict Kind = "conflict"

	// KindTransient covers engine unavailability, store timeouts, and
	// channel back-pressure. Retried with backoff.
	KindTransient Kind = "transient"

	// KindFatal covers store corruption and unrecoverable config. The
	// component reports unhealthy; retry is bypassed.
	KindFatal Kind = "fatal"

	// KindSecurity covers detected secrets, disallowed capabilities and
	// signature mismatch floods. Emitted to the security event tap.
	KindSecurity Kind = "security"
)

// Error is a classified error. Use the constructors below rather than
// building one directly.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

func Conflictf(format string, args ...interface{}) *Error {
	return newError(KindConflict, format, args...)
}

func Transientf(format string, args ...interface{}) *Error {
	return newError(KindTransient, format, args...)
}

func Fatalf(format string, args ...interface{}) *Error {
	return newError(KindFatal, format, args...)
}

func Securityf(format string, args ...interface{}) *Error {
	return newError(KindSecurity, format, args...)
}

// Wrap attaches a classification to an existing error.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// GetKind extracts the classification from err. Unclassified errors
// are treated as transient so they flow through the retry policy
// rather than being dropped.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindTransient
}

func IsValidation(err error) bool { return is(err, KindValidation) }
func IsConflict(err error) bool   { return is(err, KindConflict) }
func IsTransient(err error) bool  { return is(err, KindTransient) }
func IsFatal(err error) bool      { return is(err, KindFatal) }
func IsSecurity(err error) bool   { return is(err, KindSecurity) }

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == kind
}

// Retryable reports whether a job failure carrying err should go back
// through the retry policy. Validation, security, and fatal failures
// dead-letter immediately.
func Retryable(err error) bool {
	switch GetKind(err) {
	case KindValidation, KindSecurity, KindFatal:
		return false
	}
	return true
}
