/*
errors.go - Centralized error types for the wallet ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  The purchase orchestrator and the API wrap or map these errors.

ERROR CATEGORIES:
  1. Precondition errors - returned before any debit, never retried
  2. Commit errors - store conflicts, retried internally then surfaced
  3. Provider errors - only ever surfaced after a reversal attempt
  4. ReversalFailed - money debited with no compensating credit; alert

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      var short *ledger.InsufficientFundsError
      if errors.As(err, &short) { ... short.Shortfall ... }
  }

SEE ALSO:
  - guard.go: Produces RejectionError
  - ledger.go: Produces commit errors
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
	// Preconditions.
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidPin         = errors.New("invalid transaction pin")
	ErrInvalidDetails     = errors.New("invalid purchase details")

	// Lookups.
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrConcurrencyConflict is returned when the commit retries are exhausted.
	// No state change happened.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrConcurrentModification is returned by a Store when the account version
	// changed between read and write. The ledger retries on it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned by a Store when a record with the
	// same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrStatusConflict is returned by a Store when a status transition finds
	// the record no longer in the expected state.
	ErrStatusConflict = errors.New("transaction status changed concurrently")

	// ErrInvalidTransition is returned when a record cannot make the requested
	// status change (e.g. settling a reversed purchase).
	ErrInvalidTransition = errors.New("invalid status transition")

	// Provider outcomes.
	ErrProviderTimeout  = errors.New("provider timeout")
	ErrProviderRejected = errors.New("provider rejected")

	// ErrReversalFailed means a debit could be neither fulfilled nor
	// compensated. Requires manual reconciliation.
	ErrReversalFailed = errors.New("reversal failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RejectionError is a precondition failure from the balance guard.
type RejectionError struct {
	Reason  error
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *RejectionError) Unwrap() error { return e.Reason }

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID    UserID
	Wallet    WalletType
	Available Money
	Requested Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s wallet: available %d, requested %d, shortfall %d",
		e.Wallet, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Shortfall() Money { return e.Requested - e.Available }

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidPin) ||
		errors.Is(err, ErrInvalidDetails) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTransactionNotFound)
}
