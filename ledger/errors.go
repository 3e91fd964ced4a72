/*
errors.go - Centralized error types for the settlement engine

ERROR CATEGORIES:
  1. Validation - rejected before any mutation (InvalidAmount, NotFound)
  2. Fatal      - the unit of work rolled back (Persistence, Conflict)
  3. Soft       - reported on the Settlement as warnings (Notification)

USAGE:
  if errors.Is(err, ledger.ErrInvalidAmount) { ... }

  var se *ledger.SettlementError
  if errors.As(err, &se) {
      log.Printf("settlement failed at %s", se.Step)
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when a deposit sum is not positive or an
	// amount has more precision than a cent.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNegativeAmount is returned when Money arithmetic would go below zero.
	ErrNegativeAmount = errors.New("amount cannot be negative")

	// ErrOwnerNotFound is returned when a deposit's owner has no account.
	ErrOwnerNotFound = errors.New("owner not found")

	ErrDepositNotFound = errors.New("deposit not found")
	ErrDebtNotFound    = errors.New("debt not found")

	// ErrInvalidTransition is returned for status changes the workflow forbids,
	// e.g. approving a rejected deposit.
	ErrInvalidTransition = errors.New("invalid deposit status transition")

	// ErrDepositSettled is returned when editing or deleting a deposit whose
	// settlement already committed.
	ErrDepositSettled = errors.New("deposit already settled")

	// ErrConcurrencyConflict is returned when the owner lock or the store
	// transaction could not be obtained. Safe to retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPersistence is returned when a store operation fails mid-settlement.
	// The unit of work has been rolled back.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotification is reported when publishing an event fails.
	ErrNotification = errors.New("notification failure")

	// ErrDuplicateIdempotencyKey is returned when a record with the same
	// idempotency key was already appended.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrAccountExists = errors.New("account already exists")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// SettlementError wraps a fatal failure with the step where it happened.
type SettlementError struct {
	DepositID DepositID
	OwnerID   OwnerID
	Step      string
	Err       error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settle deposit %s (owner %s) at %s: %v", e.DepositID, e.OwnerID, e.Step, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// persistenceError tags a store failure as ErrPersistence while keeping
// the underlying cause reachable through errors.Is/As.
type persistenceError struct {
	op  string
	err error
}

func (e *persistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.op, e.err)
}

func (e *persistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.err}
}

func wrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	return &persistenceError{op: op, err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrNegativeAmount) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDepositSettled) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrAccountExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOwnerNotFound) ||
		errors.Is(err, ErrDepositNotFound) ||
		errors.Is(err, ErrDebtNotFound)
}
