// Package herrors defines the error taxonomy shared by every core
// package (Validation, NotFound, Conflict, Transient, Fatal,
// Cancelled) as a single typed error carrying a Code that tells the
// caller how to react.
package herrors

import (
	"context"
	"errors"
	"fmt"
)

// Code is one kind from the taxonomy. Kinds are not type names: every
// *Error shares one Go type and carries a Code describing how the
// caller should react.
type Code string

const (
	// CodeValidation: input violates a declared constraint. Local,
	// non-retryable.
	CodeValidation Code = "VALIDATION"
	// CodeNotFound: identifier absent when presence was required.
	// Non-retryable; caller decides to create-or-skip.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict: optimistic CAS or uniqueness violation. Expected and
	// handled by engine logic.
	CodeConflict Code = "CONFLICT"
	// CodeTransient: store or transport temporarily unavailable.
	// Retryable by the processor per backoff.
	CodeTransient Code = "TRANSIENT"
	// CodeFatal: invariant violation. Non-retryable; logged and
	// surfaced.
	CodeFatal Code = "FATAL"
	// CodeCancelled: caller-initiated cancellation, propagated upward
	// unchanged.
	CodeCancelled Code = "CANCELLED"
)

// Error is the single typed error every core package raises.
type Error struct {
	Code    Code
	Message string
	Entry   string // optional: entry/operation id for diagnosis
	Op      string // optional: operation name, e.g. "outbox.MarkProcessed"
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Entry != "":
		return fmt.Sprintf("%s: %s [op=%s entry=%s]: %v", e.Code, e.Message, e.Op, e.Entry, e.cause())
	case e.Op != "":
		return fmt.Sprintf("%s: %s [op=%s]: %v", e.Code, e.Message, e.Op, e.cause())
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause())
	}
}

func (e *Error) cause() error {
	if e.Err != nil {
		return e.Err
	}
	return errors.New("none")
}

func (e *Error) Unwrap() error { return e.Err }

func new(code Code, op, msg string, err error) *Error {
	return &Error{Code: code, Op: op, Message: msg, Err: err}
}

// Validation builds a CodeValidation error.
func Validation(op, msg string) *Error { return new(CodeValidation, op, msg, nil) }

// NotFound builds a CodeNotFound error for entry id.
func NotFound(op, entry string) *Error {
	e := new(CodeNotFound, op, "entry not found", nil)
	e.Entry = entry
	return e
}

// Conflict builds a CodeConflict error, e.g. a CAS loss or dedup hit.
func Conflict(op, msg string) *Error { return new(CodeConflict, op, msg, nil) }

// Transient wraps err as a CodeTransient error.
func Transient(op, msg string, err error) *Error { return new(CodeTransient, op, msg, err) }

// Fatal wraps err as a CodeFatal error, with entry id for diagnosis.
func Fatal(op, entry, msg string, err error) *Error {
	e := new(CodeFatal, op, msg, err)
	e.Entry = entry
	return e
}

// Cancelled wraps ctx.Err() (or err) as a CodeCancelled error.
func Cancelled(op string, err error) *Error { return new(CodeCancelled, op, "cancelled", err) }

// FromContext returns a Cancelled error if ctx is done, else nil.
func FromContext(op string, ctx context.Context) *Error {
	if err := ctx.Err(); err != nil {
		return Cancelled(op, err)
	}
	return nil
}

// Is reports whether err (or anything it wraps) carries code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation reports whether err is a CodeValidation error.
func IsValidation(err error) bool { return Is(err, CodeValidation) }

// IsNotFound reports whether err is a CodeNotFound error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsConflict reports whether err is a CodeConflict error.
func IsConflict(err error) bool { return Is(err, CodeConflict) }

// IsTransient reports whether err is a CodeTransient error.
func IsTransient(err error) bool { return Is(err, CodeTransient) }

// IsFatal reports whether err is a CodeFatal error.
func IsFatal(err error) bool { return Is(err, CodeFatal) }

// IsCancelled reports whether err is a CodeCancelled error.
func IsCancelled(err error) bool { return Is(err, CodeCancelled) }

// Retryable reports whether err is of a retryable kind: Transient is,
// everything else is terminal or handled locally by engine logic. The
// outbox engine does not consult it; it retries every publish error
// until MaxRetries.
func Retryable(err error) bool {
	return IsTransient(err)
}
