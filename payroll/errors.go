/*
errors.go - Centralized error types for the payroll engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is/errors.As, never by string matching.

ERROR CATEGORIES:
  1. Admission errors - Ledger rejects opening a payment (non-retryable)
  2. Transfer errors  - Provider-side failures (retried via next sweep)
  3. Lifecycle errors - Illegal PaymentRecord transitions

USAGE:
  if errors.Is(err, payroll.ErrDuplicatePending) {
      // a pending record already exists for this worker today
  }

SEE ALSO:
  - ledger.go: Returns admission and lifecycle errors
  - orchestrator.go: Returns transfer errors
*/
package payroll

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrWorkerNotFound is returned when a referenced worker doesn't exist.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerInactive is returned when opening a payment for a
	// deactivated worker. Inactive workers are never paid.
	ErrWorkerInactive = errors.New("worker is not active")

	// ErrInvalidAmount is returned when a payment amount is zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrDuplicatePending is returned when a pending payment already
	// exists for the worker on the current UTC day. This is the
	// duplicate-payment guard; callers must not blindly retry.
	ErrDuplicatePending = errors.New("pending payment already exists for worker today")

	// ErrPaymentNotFound is returned when a referenced payment doesn't exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrAlreadyTerminal is returned when closing a payment that has
	// already reached success/failed/cancelled. Terminal records are
	// never reopened or double-closed.
	ErrAlreadyTerminal = errors.New("payment already in a terminal state")

	// ErrInsufficientBalance is returned by the admission check when the
	// provider balance cannot cover the transfer.
	ErrInsufficientBalance = errors.New("insufficient provider balance")

	// ErrProviderUnreachable is returned when the provider cannot be
	// reached at all (network failure, timeout).
	ErrProviderUnreachable = errors.New("transfer provider unreachable")

	// ErrProviderRejected is returned when the provider was reached but
	// declined the operation.
	ErrProviderRejected = errors.New("transfer provider rejected the request")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicatePendingError reports which record blocks a new admission.
type DuplicatePendingError struct {
	WorkerID   WorkerID
	ExistingID PaymentID
}

func (e *DuplicatePendingError) Error() string {
	return fmt.Sprintf("pending payment %s already exists for worker %s today", e.ExistingID, e.WorkerID)
}

func (e *DuplicatePendingError) Unwrap() error { return ErrDuplicatePending }

// InsufficientBalanceError reports the shortfall found by the admission
// check. The check is advisory; the provider remains the source of truth.
type InsufficientBalanceError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, required %s",
		e.Available.StringFixed(2), e.Required.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ProviderError wraps a failed provider call with the step that failed.
type ProviderError struct {
	Op          string // "balance", "recipient", "transfer", "status"
	Unreachable bool   // true = never reached the provider
	Message     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error {
	if e.Unreachable {
		return ErrProviderUnreachable
	}
	return ErrProviderRejected
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsAdmissionError returns true for ledger admission failures. These are
// non-retryable: the caller must not repeat the same request blindly.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrWorkerInactive) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrDuplicatePending)
}

// IsTransferError returns true for orchestrator failures. The payment is
// closed failed and the worker remains due; the next sweep is the retry.
func IsTransferError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrProviderUnreachable) ||
		errors.Is(err, ErrProviderRejected)
}
