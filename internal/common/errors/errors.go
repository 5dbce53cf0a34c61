// Package errors defines the application error taxonomy shared across the
// orchestrator. Every error that crosses a package boundary is wrapped in
// an AppError so callers can branch on Kind instead of string matching.
package errors

import (
	"fmt"
	"net/http"
)

// Kind classifies an AppError into one of the taxonomy buckets components
// are expected to use instead of ad hoc errors.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout          Kind = "timeout"
	KindGitSync          Kind = "git_sync"
	KindTransient        Kind = "transient"
	KindFatal            Kind = "fatal"
)

// AppError is the canonical error type surfaced by every package boundary.
type AppError struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound builds a KindNotFound error for a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Kind:       KindNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s %s not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// ValidationError builds a KindValidation error for a malformed field.
func ValidationError(field, message string) *AppError {
	return &AppError{
		Kind:       KindValidation,
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf("%s: %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict builds a KindConflict error, used for version-mismatch and
// state-machine transition rejections (e.g. writes to a terminal agent state).
func Conflict(message string) *AppError {
	return &AppError{
		Kind:       KindConflict,
		Code:       "CONFLICT",
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ResourceExhausted builds a KindResourceExhausted error, used by admission
// control in the warm pool and scheduler when capacity limits are hit.
func ResourceExhausted(message string) *AppError {
	return &AppError{
		Kind:       KindResourceExhausted,
		Code:       "RESOURCE_EXHAUSTED",
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Timeout builds a KindTimeout error, used when an init/run deadline or a
// pending git-sync wait is exceeded.
func Timeout(message string) *AppError {
	return &AppError{
		Kind:       KindTimeout,
		Code:       "TIMEOUT",
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// GitSyncError builds a KindGitSync error, used when a write tool call is
// rejected because the session's repository is not in sync.
func GitSyncError(message string) *AppError {
	return &AppError{
		Kind:       KindGitSync,
		Code:       "GIT_SYNC_ERROR",
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Transient wraps a retryable infrastructure error (provider API hiccup,
// connection reset). Callers may retry without giving up the session.
func Transient(message string, err error) *AppError {
	return &AppError{
		Kind:       KindTransient,
		Code:       "TRANSIENT",
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Fatal wraps a non-retryable error that should terminate the owning agent
// or sandbox rather than be retried.
func Fatal(message string, err error) *AppError {
	return &AppError{
		Kind:       KindFatal,
		Code:       "FATAL",
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InternalError wraps an unexpected error as a fatal AppError.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Kind:       KindFatal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// BadRequest builds a KindValidation error for a malformed request.
func BadRequest(message string) *AppError {
	return &AppError{
		Kind:       KindValidation,
		Code:       "BAD_REQUEST",
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized builds an authentication-failure error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Kind:       KindValidation,
		Code:       "UNAUTHORIZED",
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden builds an authorization-failure error, used when a prompt
// cancel/reorder is attempted by a non-author client.
func Forbidden(message string) *AppError {
	return &AppError{
		Kind:       KindValidation,
		Code:       "FORBIDDEN",
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// As reports whether err is an *AppError and returns it.
func As(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}

// IsKind reports whether err is an *AppError of the given Kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}
