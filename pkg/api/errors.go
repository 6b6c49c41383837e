package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindAuthentication        Kind = "authentication"
	KindPolicyDenied          Kind = "policy_denied"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindRateLimited           Kind = "rate_limited"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindInternal              Kind = "internal"
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPolicyDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether an error of this kind may succeed when retried.
func (k Kind) Transient() bool {
	return k == KindRateLimited || k == KindDependencyUnavailable
}

// Error is a classified error carrying a stable machine-readable code.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same kind and code, so package-level
// sentinels work with errors.Is even when wrapped with a cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error { return New(KindValidation, code, message) }

func Authentication(code, message string) *Error { return New(KindAuthentication, code, message) }

func PolicyDenied(code, message string) *Error { return New(KindPolicyDenied, code, message) }

func NotFound(code, message string) *Error { return New(KindNotFound, code, message) }

func Conflict(code, message string) *Error { return New(KindConflict, code, message) }

func RateLimited(code, message string, retryAfter time.Duration) *Error {
	e := New(KindRateLimited, code, message)
	e.RetryAfter = retryAfter
	return e
}

func Unavailable(code, message string) *Error {
	return New(KindDependencyUnavailable, code, message)
}

func Internal(code, message string) *Error { return New(KindInternal, code, message) }

// KindOf returns the kind of the first *Error in err's chain.
// Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func asError(err error, target **Error) bool {
	return errors.As(err, target)
}
