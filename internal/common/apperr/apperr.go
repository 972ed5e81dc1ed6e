// Package apperr provides kind-based application errors that map to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	CodeNotFound           = "NOT_FOUND"
	CodeValidation         = "VALIDATION_ERROR"
	CodeConflict           = "CONFLICT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeRuntimeUnavailable = "RUNTIME_UNAVAILABLE"
	CodeImagePullFailed    = "IMAGE_PULL_FAILED"
	CodeUpstreamTimeout    = "UPSTREAM_TIMEOUT"
	CodeUpstreamError      = "UPSTREAM_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// NotFoundMsg creates a not found error with a literal message.
func NotFoundMsg(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, HTTPStatus: http.StatusNotFound}
}

// Validation creates a new validation error.
func Validation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Conflict creates a new conflict error, used for mutations restricted while agents run.
func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{Code: CodeForbidden, Message: message, HTTPStatus: http.StatusForbidden}
}

// RuntimeUnavailable indicates no container runtime is reachable.
func RuntimeUnavailable(message string) *AppError {
	return &AppError{Code: CodeRuntimeUnavailable, Message: message, HTTPStatus: http.StatusServiceUnavailable}
}

// ImagePullFailed indicates the agent image could not be pulled.
func ImagePullFailed(message string, err error) *AppError {
	return &AppError{Code: CodeImagePullFailed, Message: message, HTTPStatus: http.StatusServiceUnavailable, Err: err}
}

// UpstreamTimeout indicates an upstream call exceeded its deadline.
func UpstreamTimeout(message string, err error) *AppError {
	return &AppError{Code: CodeUpstreamTimeout, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// UpstreamError indicates an upstream call failed before a response was produced.
func UpstreamError(message string, err error) *AppError {
	return &AppError{Code: CodeUpstreamError, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// Internal creates a new internal server error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// HTTPStatus extracts the HTTP status for any error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err is an AppError with the given code.
func IsKind(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Message extracts the user-facing message for any error.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}
