// Package errors provides error handling utilities for the gominer client.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConfig represents missing or malformed settings
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeUnreachable represents a node that cannot be reached
	ErrorTypeUnreachable ErrorType = "unreachable"
	// ErrorTypeMalformed represents a node response that cannot be interpreted
	ErrorTypeMalformed ErrorType = "malformed"
	// ErrorTypeRejected represents a node that declined the request
	ErrorTypeRejected ErrorType = "rejected"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase represents redis/influx errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the retry decision derived from the error type.
func (e *ServiceError) WithRetryable(retryable bool) *ServiceError {
	e.Retryable = retryable
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Newf is New with a formatted message.
func Newf(errorType ErrorType, operation, format string, args ...any) *ServiceError {
	return New(errorType, operation, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with context.
//
// The retry decision of a wrapped ServiceError is preserved. For the node
// taxonomy types the decision follows the new type, so classifying a raw
// transport error as unreachable makes it retryable.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	if se, ok := err.(*ServiceError); ok {
		return &ServiceError{
			Type:      errorType,
			Operation: operation,
			Message:   message,
			Cause:     se,
			Timestamp: time.Now(),
			Retryable: se.Retryable,
		}
	}

	retryable := isRetryableByDefault(err)
	switch errorType {
	case ErrorTypeUnreachable, ErrorTypeMalformed, ErrorTypeRejected, ErrorTypeConfig:
		retryable = isRetryableByType(errorType)
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeUnreachable, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka:
		return true
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"no route to host",
		"timeout",
		"temporary failure",
		"too many connections",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// HasType reports whether any ServiceError in the chain has the given type.
func HasType(err error, errorType ErrorType) bool {
	for err != nil {
		if se, ok := err.(*ServiceError); ok && se.Type == errorType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsConfig reports a configuration error anywhere in the chain.
func IsConfig(err error) bool { return HasType(err, ErrorTypeConfig) }

// IsUnreachable reports a node connectivity error anywhere in the chain.
func IsUnreachable(err error) bool { return HasType(err, ErrorTypeUnreachable) }

// IsMalformed reports an uninterpretable node response anywhere in the chain.
func IsMalformed(err error) bool { return HasType(err, ErrorTypeMalformed) }

// IsRejected reports a node refusal anywhere in the chain.
func IsRejected(err error) bool { return HasType(err, ErrorTypeRejected) }

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
