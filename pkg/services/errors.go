package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate
	// entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotCancellable is returned when a job is not in a cancellable
	// state.
	ErrNotCancellable = errors.New("job is not cancellable")

	// ErrConcurrentModification is returned when a conditional-put finds
	// the row already moved by another writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Decide error codes. Each precondition of the decide path fails with its
// own code so callers can distinguish a spent token from a missing one.
const (
	DecideNotFound       = "not_found"
	DecideAlreadyDecided = "already_decided"
	DecideExpired        = "expired"
	DecideNotAuthorized  = "not_authorized"
)

// DecideError reports a rejected approval decision attempt.
type DecideError struct {
	Code      string
	RequestID string
}

func (e *DecideError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("decide: %s", e.Code)
	}
	return fmt.Sprintf("decide %s: %s", e.RequestID, e.Code)
}

// NewDecideError creates a decide error with the given code.
func NewDecideError(code, requestID string) error {
	return &DecideError{Code: code, RequestID: requestID}
}

// AsDecideError unwraps err into a DecideError when it is one.
func AsDecideError(err error) (*DecideError, bool) {
	var de *DecideError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
