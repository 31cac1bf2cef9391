// Package apperr defines the error taxonomy shared by the LogQR services.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindInvalidArgument
	KindConflict
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error carries a kind, a machine readable code and a human readable message.
type Error struct {
	kind    Kind
	code    string
	message string
	err     error
}

// New builds an Error whose code is "<operation>.<reason>".
func New(kind Kind, operation, reason, message string, cause error) *Error {
	return &Error{
		kind:    kind,
		code:    fmt.Sprintf("%s.%s", operation, reason),
		message: message,
		err:     cause,
	}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind reports the error classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code reports the "<operation>.<reason>" identifier.
func (e *Error) Code() string {
	return e.code
}

// Message is the single sentence shown to API callers.
func (e *Error) Message() string {
	if e.message == "" {
		return e.kind.String()
	}
	return e.message
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// Is reports whether err carries the provided kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// InvalidArgument reports a request the caller must correct.
func InvalidArgument(operation, reason, message string) *Error {
	return New(KindInvalidArgument, operation, reason, message, nil)
}

// NotFound reports a missing resource. Inactive logs are reported the same way.
func NotFound(operation, reason, message string) *Error {
	return New(KindNotFound, operation, reason, message, nil)
}

// Forbidden reports an authenticated caller acting on someone else's resource.
func Forbidden(operation, reason, message string) *Error {
	return New(KindForbidden, operation, reason, message, nil)
}

// Conflict reports a unique key collision.
func Conflict(operation, reason, message string, cause error) *Error {
	return New(KindConflict, operation, reason, message, cause)
}

// RateLimited reports a throttled submission.
func RateLimited(operation, reason, message string) *Error {
	return New(KindRateLimited, operation, reason, message, nil)
}

// Unauthenticated reports a missing or rejected credential.
func Unauthenticated(operation, reason string, cause error) *Error {
	return New(KindUnauthenticated, operation, reason, "authentication required", cause)
}

// Internal wraps an unexpected failure. Its cause is never shown to callers.
func Internal(operation, reason string, cause error) *Error {
	return New(KindInternal, operation, reason, "internal error", cause)
}
