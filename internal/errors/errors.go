package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrTypeNetwork represents catalog or transfer network errors
	ErrTypeNetwork ErrorType = "network"
	// ErrTypeFileSystem represents local file errors (stat, unlink, write)
	ErrTypeFileSystem ErrorType = "filesystem"
	// ErrTypeValidation represents rejected caller input
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeNotFound represents missing catalog items or cache records
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeSession represents a missing API session or collaborator
	ErrTypeSession ErrorType = "session"
	// ErrTypeStorage represents key-value store failures
	ErrTypeStorage ErrorType = "storage"
	// ErrTypeUnknown represents unknown errors
	ErrTypeUnknown ErrorType = "unknown"
)

// Sentinel errors shared across packages.
var (
	// ErrNoSession is returned when a download is requested without an active catalog session.
	ErrNoSession = NewSessionError("no active media server session", nil)

	// ErrInvalidRequest is returned for download requests that cannot be queued.
	ErrInvalidRequest = NewValidationError("invalid download request")

	// ErrNotPending is returned when cancelling an item that is not waiting in the queue.
	ErrNotPending = NewNotFoundError("item is not pending")
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeNetwork,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewFileSystemError creates a new file system error
func NewFileSystemError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeFileSystem,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: message,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: message,
	}
}

// NewSessionError creates a new session error
func NewSessionError(message string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeSession,
		Message: message,
		Cause:   cause,
	}
}

// NewStorageError creates a new key-value storage error
func NewStorageError(message string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeStorage,
		Message: message,
		Cause:   cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetErrorType returns the error type from an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeUnknown
}

// IsNetworkError checks if an error is a network error
func IsNetworkError(err error) bool {
	return GetErrorType(err) == ErrTypeNetwork
}

// IsSessionError checks if an error is a session error
func IsSessionError(err error) bool {
	return GetErrorType(err) == ErrTypeSession
}
