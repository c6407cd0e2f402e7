// Package errors provides structured error types for the modelpulse pipeline.
// All errors include a category, code, message, and retryable flag so every
// component classifies failures the same way.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline concern.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryCapacity    ErrorCategory = "CAPACITY"
	ErrCategoryLateData    ErrorCategory = "LATE_DATA"
	ErrCategoryCorrelation ErrorCategory = "CORRELATION"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMissingField     = "MISSING_FIELD"
	CodeInvalidField     = "INVALID_FIELD"
	CodeTimestampSkew    = "TIMESTAMP_SKEW"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"

	// Storage codes
	CodeWriteFailed    = "WRITE_FAILED"
	CodeWriteExhausted = "WRITE_EXHAUSTED"
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeNotFound       = "NOT_FOUND"

	// Capacity codes
	CodeThrottling = "THROTTLING"
	CodeDraining   = "DRAINING"

	// Late data codes
	CodeTooLate = "TOO_LATE"

	// Correlation codes
	CodeIndexUnavailable = "INDEX_UNAVAILABLE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the system.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// isRetryable determines whether a failure class may be retried. Validation
// failures are never retried; transient storage failures are; capacity
// pushback is retryable by the caller, not by the pipeline.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryCapacity && code == CodeThrottling:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

// NewValidationError marks malformed input. Never retried, always dead-lettered.
func NewValidationError(code, message string) *PipelineError {
	return New(ErrCategoryValidation, code, message)
}

// NewTransientStorageError marks an I/O failure eligible for bounded retry.
func NewTransientStorageError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, CodeWriteFailed, message, cause)
}

// NewStorageExhaustedError marks a write whose retry budget is spent.
func NewStorageExhaustedError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, CodeWriteExhausted, message, cause)
}

// NewCapacityExceededError signals coordinator throttling; the caller should
// retry later rather than the pipeline buffering unboundedly.
func NewCapacityExceededError(message string) *PipelineError {
	return New(ErrCategoryCapacity, CodeThrottling, message)
}

// NewLateDataDroppedError records an event older than any window still
// eligible for late acceptance. Informational, not retried.
func NewLateDataDroppedError(message string) *PipelineError {
	return New(ErrCategoryLateData, CodeTooLate, message)
}

// NewCorrelationUnavailableError marks a degraded correlation index; rollups
// and events still persist, correlation emission is skipped.
func NewCorrelationUnavailableError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryCorrelation, CodeIndexUnavailable, message, cause)
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
