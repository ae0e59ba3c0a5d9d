// Package cperr defines the structured error taxonomy surfaced by the
// command dispatcher. Every failure a client can observe carries a Kind and
// a short human-readable message.
package cperr

import (
	"errors"
	"fmt"
)

// Kind classifies a control-plane failure.
type Kind string

const (
	NotFound      Kind = "not-found"
	Conflict      Kind = "conflict"
	ScopeMismatch Kind = "scope-mismatch"
	Precondition  Kind = "precondition"
	Validation    Kind = "validation"
	Integrity     Kind = "integrity"
	External      Kind = "external"
)

// Error is a classified control-plane failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a NotFound error.
func NotFoundf(format string, args ...any) *Error { return New(NotFound, format, args...) }

// Conflictf creates a Conflict error.
func Conflictf(format string, args ...any) *Error { return New(Conflict, format, args...) }

// ScopeMismatchf creates a ScopeMismatch error. The message is always
// "<context> scope mismatch".
func ScopeMismatchf(context string) *Error {
	return New(ScopeMismatch, "%s scope mismatch", context)
}

// Preconditionf creates a Precondition error.
func Preconditionf(format string, args ...any) *Error { return New(Precondition, format, args...) }

// Validationf creates a Validation error.
func Validationf(format string, args ...any) *Error { return New(Validation, format, args...) }

// Integrityf creates an Integrity error. Integrity failures indicate
// invariant or storage corruption; they abort the calling command but never
// the process.
func Integrityf(format string, args ...any) *Error { return New(Integrity, format, args...) }

// Externalf creates an External error (upstream HTTP failures and the like).
func Externalf(format string, args ...any) *Error { return New(External, format, args...) }

// KindOf returns the Kind of err if it is (or wraps) a cperr.Error, and
// External otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return External
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
