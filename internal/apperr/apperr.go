// Package apperr defines the request-level error taxonomy shared by the
// orchestrator and the HTTP boundary. Each AppError carries the HTTP status
// and the machine-readable code it is reported with.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes reported in the JSON error envelope.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNoActiveSandbox = "NO_ACTIVE_SANDBOX"
	CodeNoConversation  = "NO_ACTIVE_CONVERSATION"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL_ERROR"
)

// AppError is the base error type returned across the service boundary.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError without a cause.
func New(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}

// Wrap creates an AppError around an existing error. Details default to
// the cause's message.
func Wrap(status int, code, message string, cause error) *AppError {
	e := &AppError{Status: status, Code: code, Message: message, Cause: cause}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// Validation reports malformed or missing input.
func Validation(message string) *AppError {
	return New(http.StatusBadRequest, CodeValidation, message)
}

// ProviderUnavailable reports that no sandbox is active. Apply reports it
// as a conflict; archive creation as a bad request.
func ProviderUnavailable(status int, message string) *AppError {
	return New(status, CodeNoActiveSandbox, message)
}

// NotFound reports a missing resource.
func NotFound(message string) *AppError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *AppError {
	return Wrap(http.StatusInternalServerError, CodeInternal, message, cause)
}

// From returns err as an AppError, wrapping anything else as Internal.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error", err)
}

// Status extracts the HTTP status from an error chain.
func Status(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return From(err).Status
}
