package common

import (
	"errors"
	"fmt"
)

// Error codes for the extraction taxonomy.
const (
	CodeFetch      = "FETCH_ERROR"
	CodeBackend    = "BACKEND_ERROR"
	CodeParse      = "PARSE_ERROR"
	CodeValidation = "VALIDATION_ERROR"
	CodeConfig     = "CONFIG_ERROR"
)

// AppError represents application-specific errors
type AppError struct {
	Code      string
	Message   string
	Cause     error
	Retryable bool
	// Terminal errors stop a backend chain: later backends are not tried.
	Terminal bool
	// StatusCode is the upstream HTTP status when one was observed.
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewFetchError reports a failure to obtain source bytes. Fetch failures are
// retryable unless the caller says otherwise.
func NewFetchError(message string, cause error, retryable bool) *AppError {
	return &AppError{Code: CodeFetch, Message: message, Cause: cause, Retryable: retryable}
}

// NewBackendError reports an extraction service failure.
func NewBackendError(message string, status int, cause error, retryable bool) *AppError {
	return &AppError{Code: CodeBackend, Message: message, Cause: cause, Retryable: retryable, StatusCode: status}
}

// NewParseError reports a malformed structure inside one table.
func NewParseError(tableID, message string) *AppError {
	return &AppError{Code: CodeParse, Message: fmt.Sprintf("table %s: %s", tableID, message)}
}

// NewValidationError reports a result with zero tables or rows.
func NewValidationError(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

// IsKind reports whether err (or anything it wraps) is an AppError with code.
func IsKind(err error, code string) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// NewTerminalError reports a backend failure no other backend or retry can
// fix, such as rejected credentials or an exhausted quota.
func NewTerminalError(message string, status int, cause error) *AppError {
	return &AppError{Code: CodeBackend, Message: message, Cause: cause, Terminal: true, StatusCode: status}
}

// IsTerminal reports whether err is marked terminal.
func IsTerminal(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Terminal
	}
	return false
}

// IsRateLimited reports whether err came from a 429 response.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var ae *AppError
	return errors.As(err, &ae) && ae.StatusCode == 429
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
