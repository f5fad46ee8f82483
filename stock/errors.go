/*
errors.go - Centralized error types for the stock engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is / errors.As and the helpers
  at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - unknown UOM, unknown document type, bad input
  2. Business errors - insufficient stock, insufficient reservation,
     insufficient balance, invalid transition
  3. Infrastructure errors - concurrent modification, persistence failure

RETRY POLICY:
  ErrConcurrentModification is the only error that callers retry
  automatically (see retry.go). Everything else needs a new user decision.

SEE ALSO:
  - reservation.go: raises InsufficientStockError / InsufficientReservationError
  - document.go: raises InvalidTransitionError
  - api/handlers.go: maps these errors to HTTP status codes
*/
package stock

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnknownUOM is returned when a unit is not registered for a product.
	ErrUnknownUOM = errors.New("unknown unit of measure")

	// ErrUnknownDocumentType is returned when no directive exists for a type code.
	ErrUnknownDocumentType = errors.New("unknown document type")

	// ErrInsufficientStock is returned when an OUT reservation exceeds availability.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInsufficientReservation is returned when approval finds less reserved
	// quantity than the line requires. Indicates a bookkeeping defect.
	ErrInsufficientReservation = errors.New("insufficient reservation")

	// ErrInsufficientBalance is returned when a delta would drive a balance field negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidTransition is returned when a document is not in the state an operation requires.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentModification is returned when a version check detects a conflicting writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrPersistenceFailure is returned when the storage layer fails.
	ErrPersistenceFailure = errors.New("persistence failure")

	ErrDocumentNotFound  = errors.New("document not found")
	ErrLineNotFound      = errors.New("document line not found")
	ErrDuplicateDocument = errors.New("document already exists")
	ErrInvalidInput      = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type UnknownUOMError struct {
	ProductCode string
	UOMCode     string
}

func (e *UnknownUOMError) Error() string {
	return fmt.Sprintf("unknown unit of measure %q for product %q", e.UOMCode, e.ProductCode)
}

func (e *UnknownUOMError) Unwrap() error { return ErrUnknownUOM }

type UnknownDocumentTypeError struct {
	TypeCode string
}

func (e *UnknownDocumentTypeError) Error() string {
	return fmt.Sprintf("unknown document type %q", e.TypeCode)
}

func (e *UnknownDocumentTypeError) Unwrap() error { return ErrUnknownDocumentType }

// InsufficientStockError reports the key and shortfall of a rejected OUT reservation.
type InsufficientStockError struct {
	Key       string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %s, requested %s, shortfall %s",
		e.Key, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InsufficientReservationError is raised by Approve when the reserved field
// cannot cover the line quantity.
type InsufficientReservationError struct {
	Key       string
	Direction Direction
	Reserved  decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientReservationError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Reserved)
}

func (e *InsufficientReservationError) Error() string {
	return fmt.Sprintf("insufficient %s reservation for %s: reserved %s, requested %s, shortfall %s",
		e.Direction, e.Key, e.Reserved, e.Requested, e.Shortfall())
}

func (e *InsufficientReservationError) Unwrap() error { return ErrInsufficientReservation }

// InsufficientBalanceError is raised by the key store when a delta would
// make Field negative. No part of the delta is applied.
type InsufficientBalanceError struct {
	Key    string
	Field  string
	Before Delta
	Delta  Delta
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: %s would become negative", e.Key, e.Field)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InvalidTransitionError is raised when an operation needs a DRAFT document.
type InvalidTransitionError struct {
	DocumentNo string
	From       Status
	Action     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s document %s in status %s", e.Action, e.DocumentNo, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// PersistenceError wraps a storage failure. It matches both ErrPersistenceFailure
// and the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistenceFailure, e.Err}
}

// Persistence wraps err as a PersistenceError unless it already carries a
// classified engine error.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistenceFailure) || errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDocumentNotFound) || errors.Is(err, ErrDuplicateDocument) ||
		errors.Is(err, ErrInsufficientBalance) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// InvalidInputError describes a rejected request field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true for expected, user-facing rejections.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownUOM) ||
		errors.Is(err, ErrUnknownDocumentType) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInsufficientReservation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrLineNotFound)
}

// IsInfrastructure returns true for storage and concurrency failures.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrPersistenceFailure) ||
		errors.Is(err, ErrConcurrentModification)
}
