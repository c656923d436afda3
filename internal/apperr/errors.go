package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers. The set is closed.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindRateLimited
	KindUnauthorized
	KindNotFound
	KindConflict
	KindTransient
)

// String returns the wire code used in error responses.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindTransient:
		return "TRANSIENT"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps a kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a user-facing failure with a stable kind and a human-readable message.
// Err carries the internal cause and is never rendered to clients.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation creates a 400 error.
func Validation(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// RateLimited creates a 429 error.
func RateLimited(message string) *Error {
	return &Error{Kind: KindRateLimited, Message: message}
}

// Unauthorized creates a 401 error. cause is kept for logs only.
func Unauthorized(message string, cause error) *Error {
	return &Error{Kind: KindUnauthorized, Message: message, Err: cause}
}

// NotFound creates a 404 error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Conflict creates a 409 error.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// Transient wraps a storage or timeout failure that the caller may retry.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Message: "temporarily unavailable, retry later", Err: fmt.Errorf("%s: %w", op, err)}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Message: "an internal error occurred", Err: fmt.Errorf("%s: %w", op, err)}
}

// Store converts an error returned by a credential store call. Errors that already
// carry a kind pass through; everything else (timeouts, driver errors) is transient.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op+" timed out", err)
	}
	return Transient(op, err)
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
