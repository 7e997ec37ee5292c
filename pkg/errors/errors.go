// Package errors provides a structured error system for httpfs with error codes, categories, and context.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for httpfs operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Resource discovery errors
	ErrCodeResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"
	ErrCodeRangeNotSupported   ErrorCode = "RANGE_NOT_SUPPORTED"
	ErrCodeInvalidRange        ErrorCode = "INVALID_RANGE"

	// Fetch errors
	ErrCodeTransientFetch    ErrorCode = "TRANSIENT_FETCH"
	ErrCodePermanentFetch    ErrorCode = "PERMANENT_FETCH"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"

	// Filesystem errors
	ErrCodeMountFailed   ErrorCode = "MOUNT_FAILED"
	ErrCodeUnmountFailed ErrorCode = "UNMOUNT_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryResource      ErrorCategory = "resource"
	CategoryFetch         ErrorCategory = "fetch"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryInternal      ErrorCategory = "internal"
)

// HTTPFSError represents a structured error with context and metadata.
type HTTPFSError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks errors that may succeed on a later attempt.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *HTTPFSError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *HTTPFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *HTTPFSError) Is(target error) bool {
	if fsErr, ok := target.(*HTTPFSError); ok {
		return e.Code == fsErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *HTTPFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("HTTPFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new httpfs error with default values.
func NewError(code ErrorCode, message string) *HTTPFSError {
	return &HTTPFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a new httpfs error wrapping an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *HTTPFSError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "RESOURCE_") || strings.HasPrefix(codeStr, "RANGE_") ||
		strings.HasPrefix(codeStr, "INVALID_RANGE"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "TRANSIENT_") || strings.HasPrefix(codeStr, "PERMANENT_") ||
		strings.HasPrefix(codeStr, "RETRY_") || strings.HasPrefix(codeStr, "OPERATION_"):
		return CategoryFetch
	case strings.HasPrefix(codeStr, "MOUNT_") || strings.HasPrefix(codeStr, "UNMOUNT_"):
		return CategoryFilesystem
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeTransientFetch: true,
	}
	return retryableCodes[code]
}

// IsRetryable reports whether err carries a retryable httpfs error.
func IsRetryable(err error) bool {
	var fsErr *HTTPFSError
	if stderrors.As(err, &fsErr) {
		return fsErr.Retryable
	}
	return false
}

// CodeOf extracts the error code from err, or ErrCodeInternalError when err
// is not a structured httpfs error.
func CodeOf(err error) ErrorCode {
	var fsErr *HTTPFSError
	if stderrors.As(err, &fsErr) {
		return fsErr.Code
	}
	return ErrCodeInternalError
}

// WithDetail adds detailed information to an error.
func (e *HTTPFSError) WithDetail(key string, value interface{}) *HTTPFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *HTTPFSError) WithComponent(component string) *HTTPFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *HTTPFSError) WithOperation(operation string) *HTTPFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *HTTPFSError) WithCause(cause error) *HTTPFSError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable flag.
func (e *HTTPFSError) WithRetryable(retryable bool) *HTTPFSError {
	e.Retryable = retryable
	return e
}

// UserFacingMessage returns a simplified message suitable for end users.
func (e *HTTPFSError) UserFacingMessage() string {
	messages := map[ErrorCode]string{
		ErrCodeInvalidConfig:       "Invalid configuration",
		ErrCodeConfigLoad:          "Failed to load configuration file",
		ErrCodeConfigValidation:    "Configuration failed validation",
		ErrCodeResourceUnavailable: "Remote resource is unreachable",
		ErrCodeRangeNotSupported:   "Server does not support byte-range requests",
		ErrCodeInvalidRange:        "Requested range is outside the resource",
		ErrCodeTransientFetch:      "Temporary network failure while fetching",
		ErrCodePermanentFetch:      "Server rejected the fetch request",
		ErrCodeRetryExhausted:      "Fetch failed after all retry attempts",
		ErrCodeMountFailed:         "Failed to mount filesystem",
		ErrCodeUnmountFailed:       "Failed to unmount filesystem",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}
	return e.Message
}
