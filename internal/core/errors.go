// Package core provides core types and interfaces for the document pipeline.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeNetwork indicates a transport failure or an origin 5xx
	ErrorTypeNetwork ErrorType = "network_error"
	// ErrorTypeTimeout indicates a bounded wait expired
	ErrorTypeTimeout ErrorType = "timeout_error"
	// ErrorTypeDecode indicates corrupt or unsupported document bytes
	ErrorTypeDecode ErrorType = "decode_error"
	// ErrorTypeStorage indicates a local cache store failure
	ErrorTypeStorage ErrorType = "storage_error"
	// ErrorTypeNotFound indicates the document does not exist at the origin
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeCancelled indicates the load was abandoned by its caller
	ErrorTypeCancelled ErrorType = "cancelled"
)

// ErrNotModified is returned by a conditional fetch when the caller's
// freshness token still matches the origin.
var ErrNotModified = errors.New("document not modified")

// DocError is the base error type for all pipeline errors
type DocError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	DocumentID string    `json:"document_id,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *DocError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("[%s] %s: %s", e.DocumentID, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *DocError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same operation may succeed.
func (e *DocError) Retryable() bool {
	return e.Type == ErrorTypeNetwork || e.Type == ErrorTypeTimeout
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *DocError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeNetwork:
		return http.StatusBadGateway
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeDecode:
		return http.StatusUnprocessableEntity
	case ErrorTypeStorage:
		return http.StatusServiceUnavailable
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *DocError) ToJSON() map[string]interface{} {
	body := map[string]interface{}{
		"type":      e.Type,
		"message":   e.Message,
		"retryable": e.Retryable(),
	}
	if e.DocumentID != "" {
		body["document_id"] = e.DocumentID
	}
	return map[string]interface{}{"error": body}
}

// NewNetworkError creates a new retryable transport error
func NewNetworkError(id, message string, err error) *DocError {
	return &DocError{Type: ErrorTypeNetwork, Message: message, DocumentID: id, Err: err}
}

// NewTimeoutError creates a new retryable timeout error
func NewTimeoutError(id, message string, err error) *DocError {
	return &DocError{Type: ErrorTypeTimeout, Message: message, DocumentID: id, Err: err}
}

// NewDecodeError creates a new decode error; fatal for the current load
func NewDecodeError(id, message string, err error) *DocError {
	return &DocError{Type: ErrorTypeDecode, Message: message, DocumentID: id, Err: err}
}

// NewStorageError creates a new storage error; never fatal to a load
func NewStorageError(id, message string, err error) *DocError {
	return &DocError{Type: ErrorTypeStorage, Message: message, DocumentID: id, Err: err}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(id, message string) *DocError {
	return &DocError{Type: ErrorTypeNotFound, Message: message, DocumentID: id}
}

// NewCancelledError creates a new cancellation error
func NewCancelledError(id string, err error) *DocError {
	return &DocError{Type: ErrorTypeCancelled, Message: "load cancelled", DocumentID: id, Err: err}
}

// IsType reports whether err is a *DocError of the given type.
func IsType(err error, t ErrorType) bool {
	var docErr *DocError
	return errors.As(err, &docErr) && docErr.Type == t
}

// IsRetryable reports whether err is a retryable *DocError.
func IsRetryable(err error) bool {
	var docErr *DocError
	return errors.As(err, &docErr) && docErr.Retryable()
}

// FromContext converts a context error into a *DocError. A deadline becomes a
// timeout, anything else a cancellation.
func FromContext(id string, err error) *DocError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(id, "deadline exceeded", err)
	}
	return NewCancelledError(id, err)
}
