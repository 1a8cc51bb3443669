package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independently of where it was produced, so the
// HTTP boundary can map every failure to a status code uniformly.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindVersionMismatch
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindUpstream
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindVersionMismatch:
		return "version_mismatch"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstream:
		return "upstream_failure"
	case KindTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps a kind to the status code the API surfaces.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindVersionMismatch:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a kind plus a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates cause with a kind and message. Returns nil if cause is nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure is worth retrying: upstream 5xx,
// upstream 429, timeouts and transport errors. Everything else is terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}
