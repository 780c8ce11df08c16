// Package errkind defines the error taxonomy shared by the pipeline, the
// HTTP edge, and the CLI. Kinds classify failures for propagation policy;
// they are deliberately coarse (kinds, not types).
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the propagation policy.
type Kind string

const (
	Validation     Kind = "VALIDATION"
	NotFound       Kind = "NOT_FOUND"
	Authz          Kind = "AUTHZ"
	Conflict       Kind = "CONFLICT"
	Integrity      Kind = "INTEGRITY"
	Dependency     Kind = "DEPENDENCY"
	ProviderSchema Kind = "PROVIDER_SCHEMA"
	Timeout        Kind = "TIMEOUT"
	Cancelled      Kind = "CANCELLED"
	EmptyPlan      Kind = "EMPTY_PLAN"
	EmptyCorpus    Kind = "EMPTY_CORPUS"
)

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

// E constructs a classified error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error without losing the chain.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Message returns the human-readable part without the kind prefix.
func (e *Error) Message() string { return e.msg }

// KindOf extracts the kind from an error chain. Unclassified errors map to
// Dependency: the safe default is "retryable infrastructure fault", never a
// silent pass.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Dependency
}

// Is supports errors.Is matching on kind sentinels created with E(kind, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// HTTPStatus maps a kind to its HTTP edge status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Authz:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case Integrity, EmptyPlan, EmptyCorpus:
		return http.StatusUnprocessableEntity
	case ProviderSchema, Dependency:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps a kind to the CLI exit code contract:
// 0 success, 2 user error, 3 integrity failure, 4 dependency unavailable.
func ExitCode(kind Kind) int {
	switch kind {
	case Validation, NotFound, Conflict, EmptyPlan, EmptyCorpus:
		return 2
	case Integrity, ProviderSchema:
		return 3
	case Dependency, Timeout, Cancelled:
		return 4
	default:
		return 1
	}
}

// Retryable reports whether local bounded retry is permitted for this kind.
func Retryable(kind Kind) bool {
	return kind == Dependency || kind == Timeout
}
