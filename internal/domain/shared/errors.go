package shared

import (
	"context"
	"errors"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Is reports whether target carries the same code, so that a detailed error
// built with NewDomainError matches the sentinel of its class.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound      = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput  = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrInvalidState  = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
)

// Synchronization errors.
//
// Connectivity errors are recovered locally (queue + cache). Rejections come
// back from a reachable remote store and are never retried without bound.
var (
	ErrUnavailable      = NewDomainError("UNAVAILABLE", "Remote store is unreachable")
	ErrPermissionDenied = NewDomainError("PERMISSION_DENIED", "Remote store denied the operation")
	ErrConflict         = NewDomainError("CONFLICT", "Write conflicts with the current remote state")
	ErrRejected         = NewDomainError("REJECTED", "Remote store rejected the operation")
	ErrSerialization    = NewDomainError("SERIALIZATION", "Stored value could not be decoded")
	ErrClosed           = NewDomainError("CLOSED", "Component has been shut down")
)

// IsConnectivity reports whether err means the remote store could not be reached.
// Context cancellation and deadline errors count as connectivity failures.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRejection reports whether err is a definitive answer from a reachable remote store.
func IsRejection(err error) bool {
	if err == nil || IsConnectivity(err) {
		return false
	}
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput)
}
