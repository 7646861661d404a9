package app

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindNotFound       Kind = "NOT_FOUND"
	KindAuth           Kind = "AUTH"
	KindConflict       Kind = "CONFLICT"
	KindTransientStore Kind = "TRANSIENT_STORE"
)

// Error is the only error type the service returns to callers. Cause keeps
// the underlying store or driver error for logs; it is never shown to clients.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether repeating the same call may succeed.
func (e *Error) Retryable() bool {
	return e != nil && (e.Kind == KindTransientStore || e.Kind == KindConflict)
}

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func validationError(message string, details any) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

func notFoundError(entity string) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found", Details: map[string]string{"entity": entity}}
}

func authError(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

func conflictError(message string, cause error) *Error {
	return &Error{Kind: KindConflict, Message: message, Cause: cause}
}

func transientError(cause error) *Error {
	return &Error{Kind: KindTransientStore, Message: "storage temporarily unavailable, please retry", Cause: cause}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
