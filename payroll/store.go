/*
store.go - Persistence interface for workers, payments, and audit

PURPOSE:
  Defines the interface between the domain logic and the database.
  The Worker and PaymentRecord tables are the only mutable shared state
  in this engine, and every write to them goes through the Ledger,
  which calls these operations.

ATOMICITY CONTRACT:
  The three payment mutations are each a single atomic unit:
  - OpenPayment: duplicate-pending check + insert + audit row.
    Serialized per worker+day; two concurrent opens for the same
    worker on the same UTC day yield exactly one success and one
    ErrDuplicatePending.
  - ClosePaymentSuccess: record transition + worker schedule advance
    + audit row. A payment is never marked successful while the
    worker's schedule remains unadvanced, or vice versa.
  - ClosePaymentFailed / CancelPayment: record transition + audit row.
  Close operations only apply to pending records; anything else
  returns ErrAlreadyTerminal.

IMPLEMENTATIONS:
  - store/sqlite: Durable store, invariant backed by a partial unique index
  - payroll/store (memory): In-memory implementation for tests

SEE ALSO:
  - ledger.go: The only caller of the payment mutations
  - store/sqlite/sqlite.go: Concrete implementation
*/
package payroll

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Worker, payment, and audit persistence
// =============================================================================

type Store interface {
	WorkerStore
	PaymentStore
	AuditStore
}

// WorkerStore reads and writes worker rows. Profile fields are owned by
// the out-of-scope CRUD collaborator; this engine only advances the
// schedule fields, and only through ClosePaymentSuccess.
type WorkerStore interface {
	GetWorker(ctx context.Context, id WorkerID) (*Worker, error)
	SaveWorker(ctx context.Context, w Worker) error
	ListWorkers(ctx context.Context, activeOnly bool) ([]Worker, error)

	// ListDueWorkers returns active workers whose NextPaymentDate is
	// null or <= asOf, excluding workers that already have a pending
	// payment created on the UTC day of asOf.
	ListDueWorkers(ctx context.Context, asOf time.Time) ([]Worker, error)
}

// PaymentStore owns PaymentRecord rows.
type PaymentStore interface {
	// OpenPayment atomically inserts rec (status pending) and audit.
	// Returns *DuplicatePendingError if a pending record already exists
	// for rec.WorkerID on the UTC day of rec.CreatedAt.
	OpenPayment(ctx context.Context, rec PaymentRecord, audit AuditEntry) error

	// ClosePaymentSuccess atomically transitions the record to success
	// (stamping reference and paidAt) and advances the worker's
	// LastPaid/NextPaymentDate. Returns ErrAlreadyTerminal if the
	// record is not pending.
	ClosePaymentSuccess(ctx context.Context, id PaymentID, reference string, paidAt, nextDue time.Time, audit AuditEntry) error

	// ClosePaymentFailed transitions the record to failed with reason.
	// The worker's schedule is left untouched so the next sweep retries.
	ClosePaymentFailed(ctx context.Context, id PaymentID, reason string, audit AuditEntry) error

	// CancelPayment transitions a pending record to cancelled.
	CancelPayment(ctx context.Context, id PaymentID, audit AuditEntry) error

	GetPayment(ctx context.Context, id PaymentID) (*PaymentRecord, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]PaymentRecord, error)
	CountPayments(ctx context.Context, status PaymentStatus) (int, error)

	// LastSuccessfulPayment returns the most recently paid record, or
	// nil if none exists.
	LastSuccessfulPayment(ctx context.Context) (*PaymentRecord, error)
}

// PaymentFilter narrows ListPayments. Nil fields match everything;
// results are ordered newest first.
type PaymentFilter struct {
	WorkerID *WorkerID
	Status   *PaymentStatus
	From     *time.Time // CreatedAt >= From
	To       *time.Time // CreatedAt <= To
	Offset   int
	Limit    int // 0 = default page size (100)
}

// AuditStore appends and reads audit entries. Append-only; no update or
// delete exists.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}
