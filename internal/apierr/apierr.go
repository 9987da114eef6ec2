// Package apierr shapes the error taxonomy described in §7: every error
// that crosses a component boundary is classified into one of a fixed set
// of Kinds, which the API surface maps to an HTTP status class.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the fixed error classes from §7.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindPreconditionFailed Kind = "precondition_failed"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindBackendProtocol    Kind = "backend_protocol"
	KindCLIUnavailable     Kind = "cli_unavailable"
	KindTimeout            Kind = "timeout"
	KindExtractionFailed   Kind = "extraction_failed"
	KindInternal           Kind = "internal"
)

// Error is the typed error every component returns at its public boundary.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around a lower-level cause,
// preserving it for errors.Is/As and logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches a structured detail key/value and returns the
// receiver for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else
// KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the HTTP status class the API surface uses
// (§7 / §6.1).
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindPreconditionFailed:
		return http.StatusConflict
	case KindBackendUnavailable, KindCLIUnavailable:
		return http.StatusServiceUnavailable
	case KindBackendProtocol, KindExtractionFailed:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
