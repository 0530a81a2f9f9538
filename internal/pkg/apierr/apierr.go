package apierr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure semantically; the HTTP status and retry policy
// follow from it.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindDatabase   Kind = "database"
	KindTimeout    Kind = "timeout"
	KindAgent      Kind = "agent"
	KindCancelled  Kind = "cancelled"
	KindConflict   Kind = "conflict"
)

type Error struct {
	Kind      Kind
	Code      string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Validation(code string, err error) *Error {
	return &Error{Kind: KindValidation, Code: code, Err: err}
}

func NotFound(code string, err error) *Error {
	return &Error{Kind: KindNotFound, Code: code, Err: err}
}

// Database wraps a storage failure. The transaction aborted cleanly, so the
// caller may retry.
func Database(err error) *Error {
	return &Error{Kind: KindDatabase, Code: "database_error", Err: err, Retryable: true}
}

func Timeout(code string, err error) *Error {
	return &Error{Kind: KindTimeout, Code: code, Err: err}
}

func Agent(code string, err error) *Error {
	return &Error{Kind: KindAgent, Code: code, Err: err}
}

func Cancelled(err error) *Error {
	return &Error{Kind: KindCancelled, Code: "cancelled", Err: err}
}

func Conflict(code string, err error) *Error {
	return &Error{Kind: KindConflict, Code: code, Err: err}
}

// KindOf extracts the semantic kind from any error in the chain.
// Unclassified errors report as database failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDatabase
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Status maps an error to its HTTP response status.
func Status(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
