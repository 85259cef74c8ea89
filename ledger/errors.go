/*
errors.go - Centralized error types for the leave ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers wrap these with context using fmt.Errorf("...: %w", err) and
  match them with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Input errors - Rejected before any storage access
  2. Business rule errors - Raised inside the atomic unit (cap)
  3. Store errors - Persistence and locking failures

SEE ALSO:
  - accrual/service.go: Raises ValidationError and CapacityError
  - api/handlers.go: Maps categories to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned when caller input fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCapacityExceeded is returned when a grant would push the balance
	// above the entitlement cap.
	ErrCapacityExceeded = errors.New("entitlement cap exceeded")

	// ErrStartDateNotSet is returned when an operation needs an employment
	// start date and the profile has none.
	ErrStartDateNotSet = errors.New("start date not set")

	// ErrProfileNotFound is returned when a referenced employee doesn't exist.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. Backfill treats it as "already present".
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrTransactionFailed is returned when an atomic unit cannot be committed.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrLockNotObtained is returned when the per-user lock cannot be acquired.
	ErrLockNotObtained = errors.New("lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// CapacityError provides details about a rejected grant.
type CapacityError struct {
	UserID    UserID
	Current   decimal.Decimal
	Requested decimal.Decimal
	Cap       decimal.Decimal
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("grant of %s days would exceed cap of %s (current %s)",
		e.Requested, e.Cap, e.Current)
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacityExceeded
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrStartDateNotSet)
}

// IsConflict returns true if the request was well-formed but conflicts with
// the current ledger state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotObtained) ||
		errors.Is(err, ErrTransactionFailed)
}
