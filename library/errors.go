package library

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a book, member, record or fine does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOutOfStock is returned when no copy is available for the operation.
	ErrOutOfStock = errors.New("out of stock")

	// ErrInvalidStateTransition is returned when an operation does not fit the current circulation state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrAlreadyExists is returned for duplicate ISBNs, emails and active records.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAlreadyRequested is returned when the member already has a pending request for the book.
	ErrAlreadyRequested = fmt.Errorf("already requested: %w", ErrAlreadyExists)

	// ErrAlreadyIssued is returned when the member already holds an issued copy of the book.
	ErrAlreadyIssued = fmt.Errorf("already issued: %w", ErrAlreadyExists)

	// ErrConcurrentModification is returned when a transaction kept conflicting after its retries.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCredentials is returned when authentication fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Stable error codes for API responses.
const (
	CodeNotFound               = "NOT_FOUND"
	CodeOutOfStock             = "OUT_OF_STOCK"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeAlreadyExists          = "ALREADY_EXISTS"
	CodeAlreadyRequested       = "ALREADY_REQUESTED"
	CodeAlreadyIssued          = "ALREADY_ISSUED"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeValidation             = "VALIDATION_ERROR"
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeInternal               = "INTERNAL"
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// StateError reports an operation attempted from the wrong circulation state.
type StateError struct {
	BookID    string
	MemberID  string
	Current   Status
	Attempted Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot move book %s for member %s from %s to %s", e.BookID, e.MemberID, e.Current, e.Attempted)
}

func (e *StateError) Unwrap() error { return ErrInvalidStateTransition }

// InventoryError reports a count operation the book's counts cannot satisfy.
// Err is ErrOutOfStock or ErrInvalidStateTransition.
type InventoryError struct {
	BookID    string
	Operation string
	Counts    Counts
	Err       error
}

func (e *InventoryError) Error() string {
	return fmt.Sprintf("%s book %s: %v (total=%d reserved=%d issued=%d unreserved=%d)",
		e.Operation, e.BookID, e.Err, e.Counts.Total, e.Counts.Reserved, e.Counts.Issued, e.Counts.Unreserved)
}

func (e *InventoryError) Unwrap() error { return e.Err }

// DuplicateError reports a unique key that is already taken.
type DuplicateError struct {
	Entity string
	Key    string
	Err    error
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Entity, e.Key, e.Err)
}

func (e *DuplicateError) Unwrap() error { return e.Err }

// ValidationError reports one malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConcurrencyError wraps the store conflict that survived every retry.
type ConcurrencyError struct {
	Operation string
	Err       error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Operation, ErrConcurrentModification, e.Err)
}

func (e *ConcurrencyError) Unwrap() []error {
	return []error{ErrConcurrentModification, e.Err}
}

// ErrorCode maps an error to its stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrOutOfStock):
		return CodeOutOfStock
	case errors.Is(err, ErrInvalidStateTransition):
		return CodeInvalidStateTransition
	case errors.Is(err, ErrAlreadyRequested):
		return CodeAlreadyRequested
	case errors.Is(err, ErrAlreadyIssued):
		return CodeAlreadyIssued
	case errors.Is(err, ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, ErrConcurrentModification):
		return CodeConcurrentModification
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	default:
		return CodeInternal
	}
}
