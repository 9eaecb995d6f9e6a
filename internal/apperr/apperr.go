// Package apperr holds the error codes shared by the workflow engine and its transports.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeConflict          Code = "CONFLICT"
	CodeExpired           Code = "EXPIRED"
	CodeTooSoon           Code = "TOO_SOON"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNoValidItems      Code = "NO_VALID_ITEMS"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is a coded, caller-facing error. The zero Message matches any error
// carrying the same code through errors.Is.
type Error struct {
	Code    Code
	Message string
	cause   error
	retry   bool
}

var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrInvalidState      = &Error{Code: CodeInvalidState}
	ErrConflict          = &Error{Code: CodeConflict}
	ErrExpired           = &Error{Code: CodeExpired}
	ErrTooSoon           = &Error{Code: CodeTooSoon}
	ErrValidation        = &Error{Code: CodeValidation}
	ErrNoValidItems      = &Error{Code: CodeNoValidItems}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrUnauthorized      = &Error{Code: CodeUnauthorized}
	ErrForbidden         = &Error{Code: CodeForbidden}
	ErrInternal          = &Error{Code: CodeInternal}
)

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a storage or infrastructure failure. The cause is kept for
// logging and never shown to callers.
func Internal(cause error) error {
	if cause == nil {
		return nil
	}
	var coded *Error
	if errors.As(cause, &coded) {
		return cause
	}
	return &Error{Code: CodeInternal, Message: "internal error", cause: cause}
}

// Transient wraps a failure that left no partial write behind, such as a
// serialization abort, so the caller may resend the same request.
func Transient(cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: CodeInternal, Message: "temporary failure, retry the request", cause: cause, retry: true}
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// Retryable reports whether the failure came from a timeout, a cancellation
// or a transient storage abort and can be retried by the caller.
func Retryable(err error) bool {
	var coded *Error
	if errors.As(err, &coded) && coded.retry {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
