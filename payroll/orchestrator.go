/*
orchestrator.go - Multi-step external transfer execution

PURPOSE:
  Executes the three-step transfer pipeline against the external
  provider and classifies the outcome:

    1. Admission check   - provider balance must cover the amount
    2. Recipient resolve - register (or reuse) a transfer recipient
    3. Transfer initiate - submit the minor-unit amount

  Any step failing yields a failed outcome with the causing message;
  the Ledger then closes the record. The orchestrator never writes to
  the store itself.

PARTIAL FAILURE:
  A recipient created in step 2 is not cleaned up when step 3 fails.
  The next attempt simply re-resolves it; the provider deduplicates on
  account details.

ADMISSION CHECK:
  Advisory only. A concurrent drain of the provider balance between
  steps 1 and 3 is tolerated - the provider is the source of truth and
  may still reject step 3.

SEE ALSO:
  - paystack/client.go: TransferProvider implementation
  - ledger.go: Closes the record with the outcome
*/
package payroll

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSFER PROVIDER - External collaborator
// =============================================================================

// ProviderBalance is the available funds reported by the provider.
type ProviderBalance struct {
	AmountMinor int64
	Currency    string
}

// TransferReceipt is the provider's answer to a transfer initiation.
type TransferReceipt struct {
	Reference string
	Status    string
}

// TransferProvider is the external funds-transfer collaborator. All
// implementations must apply bounded timeouts and return errors that
// distinguish unreachable from rejected (see ProviderError).
type TransferProvider interface {
	GetBalance(ctx context.Context) (ProviderBalance, error)
	CreateRecipient(ctx context.Context, name, accountNumber, bankCode string) (string, error)
	InitiateTransfer(ctx context.Context, recipientID string, amountMinor int64, reason string) (TransferReceipt, error)
	GetTransferStatus(ctx context.Context, reference string) (string, error)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// TransferOutcome is the classified result of one transfer attempt.
type TransferOutcome struct {
	Success       bool
	Reference     string // provider-issued, set on success
	FailureReason string // causing message, set on failure
	Err           error  // classification error, nil on success
}

// maxReasonLen bounds the human-readable reason sent to the provider.
const maxReasonLen = 100

// Orchestrator runs the transfer pipeline. Stateless apart from its
// collaborators; safe for concurrent use.
type Orchestrator struct {
	provider TransferProvider
	audit    *Recorder
}

func NewOrchestrator(provider TransferProvider, audit *Recorder) *Orchestrator {
	return &Orchestrator{provider: provider, audit: audit}
}

// Execute runs balance check, recipient resolution, and transfer
// initiation for the worker. It returns a terminal outcome; it never
// leaves the result ambiguous for the caller.
func (o *Orchestrator) Execute(ctx context.Context, worker Worker, amount decimal.Decimal) TransferOutcome {
	// Step 1: admission check.
	balance, err := o.provider.GetBalance(ctx)
	if err != nil {
		return failure(fmt.Errorf("balance check: %w", err))
	}
	available := FromMinorUnits(balance.AmountMinor)
	if available.LessThan(amount) {
		err := &InsufficientBalanceError{Available: available, Required: amount}
		if o.audit != nil {
			o.audit.Record(ctx, ActorSystem, AuditBalanceChecked, err.Error())
		}
		return failure(err)
	}

	// Step 2: recipient resolution.
	recipientID, err := o.provider.CreateRecipient(ctx, worker.Name, worker.AccountNumber, worker.BankCode)
	if err != nil {
		return failure(fmt.Errorf("recipient resolution: %w", err))
	}

	// Step 3: transfer initiation, in minor units.
	reason := truncateReason(fmt.Sprintf("Salary payment for %s", worker.Name))
	receipt, err := o.provider.InitiateTransfer(ctx, recipientID, ToMinorUnits(amount), reason)
	if err != nil {
		return failure(fmt.Errorf("transfer initiation: %w", err))
	}

	return TransferOutcome{Success: true, Reference: receipt.Reference}
}

// Status looks up the provider-side state of a completed or in-flight
// transfer by reference.
func (o *Orchestrator) Status(ctx context.Context, reference string) (string, error) {
	return o.provider.GetTransferStatus(ctx, reference)
}

func failure(err error) TransferOutcome {
	return TransferOutcome{FailureReason: err.Error(), Err: err}
}

func truncateReason(reason string) string {
	if len(reason) > maxReasonLen {
		return reason[:maxReasonLen]
	}
	return reason
}

// ClassifyTransferError maps an outcome error to the coarse taxonomy
// used by the API layer for status codes.
func ClassifyTransferError(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrProviderUnreachable):
		return "provider_unreachable"
	case errors.Is(err, ErrProviderRejected):
		return "provider_rejected"
	default:
		return "transfer_failed"
	}
}
