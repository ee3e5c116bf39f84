// Package apperrors defines the error-kind taxonomy shared by every
// component of the personal server. Each kind is a zeebo/errs class so
// callers can both log a human message and recover the machine code
// with errors.As, without leaking component-internal exception types
// across layers.
package apperrors

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

// Kind is the machine-readable error code surfaced to API callers.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthentication  Kind = "authentication"
	KindAuthorization   Kind = "authorization"
	KindNotFound        Kind = "not_found"
	KindChain           Kind = "chain"
	KindContent         Kind = "content"
	KindDecryption      Kind = "decryption"
	KindGrantValidation Kind = "grant_validation"
	KindCompute         Kind = "compute"
	KindSandbox         Kind = "sandbox"
	KindInternal        Kind = "internal"
)

var classes = map[Kind]errs.Class{
	KindValidation:      errs.Class("validation"),
	KindAuthentication:  errs.Class("authentication"),
	KindAuthorization:   errs.Class("authorization"),
	KindNotFound:        errs.Class("not_found"),
	KindChain:           errs.Class("chain"),
	KindContent:         errs.Class("content"),
	KindDecryption:      errs.Class("decryption"),
	KindGrantValidation: errs.Class("grant_validation"),
	KindCompute:         errs.Class("compute"),
	KindSandbox:         errs.Class("sandbox"),
	KindInternal:        errs.Class("internal"),
}

// Error wraps an underlying cause with a Kind and a short human message.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the machine-readable code for this error.
func (e *Error) Kind() Kind { return e.kind }

// New creates a Kind-tagged error from a message, optionally wrapping cause.
func New(kind Kind, message string, cause error) error {
	class, ok := classes[kind]
	if !ok {
		class = classes[KindInternal]
	}
	wrapped := &Error{kind: kind, message: message, cause: cause}
	return class.Wrap(wrapped)
}

// Newf is New with fmt-style formatting of message.
func Newf(kind Kind, cause error, format string, args ...any) error {
	return New(kind, fmt.Sprintf(format, args...), cause)
}

// KindOf recovers the Kind attached to err, defaulting to KindInternal
// if err was not produced via apperrors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
