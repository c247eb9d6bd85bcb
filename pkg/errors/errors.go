package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies proxy failures for HTTP mapping.
type ErrorCode string

const (
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeCacheNotFound ErrorCode = "CACHE_NOT_FOUND" // Cache-only mode with no recorded entry
	CodeUpstream      ErrorCode = "UPSTREAM_ERROR"  // Network failure talking to the upstream
	CodeConflict      ErrorCode = "CONFLICT"        // Duplicate awaiter on a decision point
	CodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// AppError is an error carrying a proxy error code.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError wrapping a cause.
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// CodeOf extracts the error code, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsCacheNotFound reports whether err is a cache-only miss.
func IsCacheNotFound(err error) bool {
	return CodeOf(err) == CodeCacheNotFound
}
