package errors

import (
	"errors"
	"net/http"
)

// Standard error types
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("resource conflict")
	ErrInternal           = errors.New("internal server error")
	ErrTemporaryFailure   = errors.New("temporary failure")
	ErrPermanentFailure   = errors.New("permanent failure")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("timeout")
)

// AppError is a structured application error. Code is a stable,
// machine-readable identifier stored alongside failures for diagnosis.
type AppError struct {
	Err        error
	Code       string
	StatusCode int
	Message    string
	Retryable  bool
}

// Error returns the error message
func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given parameters
func NewAppError(err error, code, message string, statusCode int, retryable bool) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
	}
}

// CodeOf extracts the machine-readable code from an error, falling back
// to the given default when the error carries none.
func CodeOf(err error, fallback string) string {
	var appErr *AppError

	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}

	return fallback
}

// IsRetryable checks if the error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError

	if errors.As(err, &appErr) {
		return appErr.Retryable
	}

	return errors.Is(err, ErrTemporaryFailure) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(code, message string) *AppError {
	return NewAppError(ErrNotFound, code, message, http.StatusNotFound, false)
}

// NewInvalidInputError creates an invalid input error
func NewInvalidInputError(code, message string) *AppError {
	return NewAppError(ErrInvalidInput, code, message, http.StatusBadRequest, false)
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(code, message string) *AppError {
	return NewAppError(ErrUnauthorized, code, message, http.StatusUnauthorized, false)
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(code, message string) *AppError {
	return NewAppError(ErrForbidden, code, message, http.StatusForbidden, false)
}

// NewInternalError creates an internal server error
func NewInternalError(code, message string) *AppError {
	return NewAppError(ErrInternal, code, message, http.StatusInternalServerError, true)
}

// NewTemporaryError creates a temporary error
func NewTemporaryError(code, message string) *AppError {
	return NewAppError(ErrTemporaryFailure, code, message, http.StatusServiceUnavailable, true)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(code, message string) *AppError {
	return NewAppError(ErrTimeout, code, message, http.StatusGatewayTimeout, true)
}
