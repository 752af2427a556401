/*
Package payroll provides the core payment scheduling and transfer engine.

PURPOSE:
  This package contains the domain types and algorithms for recurring
  salary disbursement: deciding when each worker is due, opening durable
  payment records, orchestrating the external transfer, and closing the
  record with the outcome. It owns the one-pending-payment-per-worker-
  per-day invariant.

KEY CONCEPTS IN THIS FILE (types.go):
  - Worker: A payee with bank routing details and a payment schedule
  - PaymentRecord: A durable record of one disbursement attempt
  - AuditEntry: Append-only record of every scheduling/payment decision
  - Frequency: How often a worker is paid (weekly/bi-weekly/monthly)

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for money, never float64
  2. Single writer: Worker schedule fields and PaymentRecords are only
     mutated through the Ledger
  3. Terminal states: A PaymentRecord transitions exactly once from
     pending to success/failed/cancelled, never back
  4. Auditability: Every decision leaves an AuditEntry

SEE ALSO:
  - duedate.go: Next-due-date calculation
  - ledger.go: PaymentRecord lifecycle and admission control
  - orchestrator.go: External transfer execution
*/
package payroll

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WorkerID string
type PaymentID string

// =============================================================================
// FREQUENCY - How often a worker is paid
// =============================================================================

type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiWeekly Frequency = "bi-weekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Valid reports whether f is one of the known frequencies. Unknown
// frequencies are a caller contract violation and are rejected at the
// edges (API, store), never inside the due-date calculator.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// =============================================================================
// WORKER - A payee with routing details and a payment schedule
// =============================================================================

// Worker is consumed by this package already validated; profile edits
// happen in the out-of-scope CRUD layer. The Ledger is the only writer
// of LastPaid and NextPaymentDate after a transfer outcome is known.
type Worker struct {
	ID              WorkerID
	Name            string
	Email           string
	BankName        string
	AccountNumber   string
	BankCode        string
	Salary          decimal.Decimal // major units, 2 decimal places
	Frequency       Frequency
	LastPaid        *time.Time
	NextPaymentDate *time.Time
	IsActive        bool
	CreatedAt       time.Time
}

// Due reports whether the worker should be picked up by a sweep at asOf.
// A nil NextPaymentDate means the worker has never been scheduled and
// is immediately due.
func (w Worker) Due(asOf time.Time) bool {
	if !w.IsActive {
		return false
	}
	return w.NextPaymentDate == nil || !w.NextPaymentDate.After(asOf)
}

// =============================================================================
// PAYMENT RECORD - One disbursement attempt
// =============================================================================

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusSuccess   PaymentStatus = "success"
	StatusFailed    PaymentStatus = "failed"
	StatusCancelled PaymentStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// PaymentRecord is owned exclusively by the Ledger. At most one pending
// record may exist per worker per UTC calendar day.
type PaymentRecord struct {
	ID             PaymentID
	WorkerID       WorkerID
	Amount         decimal.Decimal // major units
	Status         PaymentStatus
	Reference      string // provider-assigned, empty until success
	IdempotencyKey string
	ApprovedBy     string // actor id for manual payments, empty for sweep
	FailureReason  string
	PaidAt         *time.Time
	CreatedAt      time.Time
}

// =============================================================================
// AUDIT ENTRY - Append-only decision log
// =============================================================================

type AuditAction string

const (
	AuditPaymentOpened    AuditAction = "payment_opened"
	AuditPaymentSucceeded AuditAction = "payment_succeeded"
	AuditPaymentFailed    AuditAction = "payment_failed"
	AuditPaymentCancelled AuditAction = "payment_cancelled"
	AuditBalanceChecked   AuditAction = "balance_check"
	AuditSchedulingError  AuditAction = "scheduling_error"
	AuditSweepCompleted   AuditAction = "sweep_completed"
	AuditJobScheduled     AuditAction = "job_scheduled"
	AuditJobCancelled     AuditAction = "job_cancelled"
)

// ActorSystem is the actor recorded for scheduler-originated decisions.
const ActorSystem = "system"

// AuditEntry is never mutated or deleted by this engine.
type AuditEntry struct {
	ID        string
	ActorID   string // operator id, or ActorSystem
	Action    AuditAction
	Details   string
	Timestamp time.Time
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// ToMinorUnits converts a major-unit amount to the currency's smallest
// unit (e.g. kobo, cents) by multiplying by 100 and truncating.
// Fractional minor units are not representable by the provider.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

// FromMinorUnits converts a minor-unit amount back to major units.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100))
}

// MustDecimal parses s, returning zero on failure. Intended for fixed
// values in wiring and tests.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// UTCDay truncates t to its UTC calendar day. The duplicate-payment
// guard and all "today" comparisons are defined on UTC days so the
// invariant does not shift with server-local time.
func UTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
