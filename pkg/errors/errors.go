package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	// ErrorTypeExternal marks a transient dependency failure. These count
	// toward the circuit breaker and are eligible for queued retry.
	ErrorTypeExternal ErrorType = "external"
	ErrorTypeTimeout  ErrorType = "timeout"
	// ErrorTypeUnavailable marks a circuit-open short-circuit. Not a real
	// failure of the caller's request; the orchestrator resolves it to a
	// fallback response.
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypeAdmissionRejected marks a declined request (queue full).
	ErrorTypeAdmissionRejected ErrorType = "admission_rejected"
	// ErrorTypeCanceled marks a caller that went away before the work
	// finished. It says nothing about the health of the dependency and
	// never counts toward the circuit breaker.
	ErrorTypeCanceled ErrorType = "canceled"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// NewCircuitOpenError is returned when a call is short-circuited because the
// circuit breaker for its service key is open.
func NewCircuitOpenError(serviceKey string) *AppError {
	return NewAppError(ErrorTypeUnavailable, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker for %s is open", serviceKey)).
		WithDetail("service_key", serviceKey)
}

// NewAdmissionRejectedError is returned when the admission queue declines a
// request because it is at capacity.
func NewAdmissionRejectedError(operation string) *AppError {
	return NewAppError(ErrorTypeAdmissionRejected, "ADMISSION_REJECTED",
		fmt.Sprintf("request for %s rejected: queue at capacity", operation)).
		WithDetail("operation", operation)
}

// NewCanceledError is returned when the caller's context was canceled
// before the operation produced a result.
func NewCanceledError(operation string) *AppError {
	return NewAppError(ErrorTypeCanceled, "CANCELED",
		fmt.Sprintf("%s canceled by caller", operation)).
		WithDetail("operation", operation)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// IsNotFound checks if the error is a not-found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsCanceled checks if the error is a caller cancellation. Raw
// context.Canceled counts too, so operations that return ctx.Err()
// directly are classified the same way.
func IsCanceled(err error) bool {
	return IsType(err, ErrorTypeCanceled) || stderrors.Is(err, context.Canceled)
}

// IsRetryable reports whether the error represents a transient condition
// that the queue may retry. Programmer errors and declined admissions are
// terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := err.(*AppError); ok {
		switch appErr.Type {
		case ErrorTypeExternal, ErrorTypeTimeout, ErrorTypeUnavailable:
			return true
		default:
			return false
		}
	}
	// Unclassified errors are assumed transient.
	return true
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}
