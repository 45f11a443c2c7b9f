// Package apperr defines the error taxonomy surfaced to callers: input that
// fails a client-side precondition, collaborator failures, partially applied
// bulk operations, and unavailable hardware.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation_error"
	KindBackend    Kind = "backend_error"
	KindPartial    Kind = "partial_failure"
	KindTransient  Kind = "transient_resource_error"
)

// Error is a classified failure. Code narrows the kind (for example
// "too_large" for a validation error) and Message is safe to show a user.
type Error struct {
	Kind    Kind
	Code    string
	Op      string
	Message string
	Err     error
}

// BackendMessage is shown to users for every collaborator failure; the
// cause stays in Err.
const BackendMessage = "The data service could not complete the request. Try again later."

// Error keeps the cause of backend failures so logs show it. Users see
// Message only.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil && (msg == "" || e.Kind == KindBackend) {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports rejected input. No collaborator was called.
func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Backend wraps a data or storage collaborator failure.
func Backend(op string, err error) *Error {
	return &Error{Kind: KindBackend, Op: op, Message: BackendMessage, Err: err}
}

// Partial reports a bulk operation where some items failed. err joins the
// individual failures.
func Partial(op string, succeeded, attempted int, err error) *Error {
	return &Error{
		Kind:    KindPartial,
		Op:      op,
		Message: fmt.Sprintf("%d of %d succeeded", succeeded, attempted),
		Err:     err,
	}
}

// Transient reports unavailable hardware with an actionable code such as
// "permission_denied", "no_device" or "in_use".
func Transient(code, message string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: message, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or
// "" when none is found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
