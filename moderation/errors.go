package moderation

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies failures across the orchestrator.
type ErrorCode string

const (
	// ErrCodeValidation marks malformed command payloads. Rejected at the
	// boundary; the case is never touched.
	ErrCodeValidation ErrorCode = "VALIDATION"
	// ErrCodeNotFound marks a reference to a case that does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeConflict marks a command whose precondition is not met
	// (e.g. resume on a case that is not INTERRUPTED). Never retried.
	ErrCodeConflict ErrorCode = "CONFLICT"
	// ErrCodeStoreConflict marks a versioned write that lost a race.
	// Transient: the command is redelivered and retried.
	ErrCodeStoreConflict ErrorCode = "STORE_CONFLICT"
	// ErrCodeExecutorFailed marks a forward or reverse action capability
	// error. Fatal to the operation; the case freezes in FAILED.
	ErrCodeExecutorFailed ErrorCode = "EXECUTOR_FAILED"
	// ErrCodeUnregisteredAction marks an action kind with no registered
	// executor. A configuration error, treated like an executor failure.
	ErrCodeUnregisteredAction ErrorCode = "UNREGISTERED_ACTION"
	// ErrCodeInternal marks unexpected infrastructure failures.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error is the structured error carried between components. It follows the
// pattern of a code plus message with an optional wrapped cause, an HTTP
// status for the API layer, and a retryable flag the dispatcher consults
// when deciding between ack and redelivery.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: http.StatusInternalServerError}
}

// WithCause attaches a wrapped cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NewValidation creates a boundary validation error.
func NewValidation(format string, args ...any) *Error {
	return &Error{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a case-not-found error.
func NewNotFound(caseID string) *Error {
	return &Error{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("case not found: %s", caseID),
		HTTPStatus: http.StatusNotFound,
	}
}

// NewConflict creates a precondition/business-rule conflict error.
func NewConflict(format string, args ...any) *Error {
	return &Error{
		Code:       ErrCodeConflict,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
	}
}

// NewStoreConflict creates a retryable optimistic-concurrency error.
func NewStoreConflict(caseID string, expectedVersion int64) *Error {
	return &Error{
		Code:       ErrCodeStoreConflict,
		Message:    fmt.Sprintf("stale version %d for case %s", expectedVersion, caseID),
		HTTPStatus: http.StatusConflict,
		Retryable:  true,
	}
}

// NewExecutorFailed creates a terminal executor failure error.
func NewExecutorFailed(kind string, cause error) *Error {
	return &Error{
		Code:       ErrCodeExecutorFailed,
		Message:    fmt.Sprintf("action %q failed", kind),
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// NewUnregisteredAction creates a configuration error for an unknown kind.
func NewUnregisteredAction(kind string) *Error {
	return &Error{
		Code:       ErrCodeUnregisteredAction,
		Message:    fmt.Sprintf("no executor registered for action kind %q", kind),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal if err is not
// a *moderation.Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err should be retried via queue redelivery.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsConflict reports whether err is a business-rule conflict.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}
