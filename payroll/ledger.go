/*
ledger.go - Payment record lifecycle and admission control

PURPOSE:
  The Ledger is the single point of truth for the duplicate-payment
  invariant. Every path that pays a worker - the daily sweep, a
  per-worker scheduled job, and a manual operator request - converges
  here and shares the same admission and closing logic.

LIFECYCLE:
  OpenPayment  -> pending          (admission check)
  Close*       -> success/failed   (exactly one terminal transition)
  CancelPayment-> cancelled        (operator, pending only)

CRITICAL INVARIANTS:
  1. At most one pending record per worker per UTC calendar day
  2. A successful close advances the worker's schedule atomically with
     the record transition
  3. A failed close leaves LastPaid/NextPaymentDate untouched, so the
     worker stays due and the next sweep acts as the retry
  4. Terminal records are never reopened

SEE ALSO:
  - store.go: Atomicity contract the Ledger relies on
  - orchestrator.go: Produces the outcomes the Ledger closes with
*/
package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger owns PaymentRecord lifecycle and the worker schedule fields.
type Ledger struct {
	store Store
	clock Clock
}

func NewLedger(store Store, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{store: store, clock: clock}
}

// =============================================================================
// ADMISSION
// =============================================================================

// OpenPayment admits a new payment for the worker and inserts a pending
// record plus its audit entry atomically. amount nil defaults to the
// worker's salary; approver is empty for sweep-originated payments.
//
// Errors: ErrWorkerNotFound, ErrWorkerInactive, ErrInvalidAmount,
// *DuplicatePendingError (wraps ErrDuplicatePending).
func (l *Ledger) OpenPayment(ctx context.Context, workerID WorkerID, amount *decimal.Decimal, approver string) (*PaymentRecord, error) {
	worker, err := l.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("load worker %s: %w", workerID, err)
	}
	if worker == nil {
		return nil, ErrWorkerNotFound
	}
	if !worker.IsActive {
		return nil, ErrWorkerInactive
	}

	amt := worker.Salary
	if amount != nil {
		amt = *amount
	}
	if !amt.IsPositive() {
		return nil, ErrInvalidAmount
	}

	// The worker id keeps record ids distinct even when two opens read
	// the same clock instant.
	now := l.clock.Now()
	rec := PaymentRecord{
		ID:             PaymentID(fmt.Sprintf("pay-%s-%d", worker.ID, now.UnixNano())),
		WorkerID:       worker.ID,
		Amount:         amt,
		Status:         StatusPending,
		IdempotencyKey: fmt.Sprintf("%s-%d", worker.ID, now.UnixNano()),
		ApprovedBy:     approver,
		CreatedAt:      now,
	}

	actor := approver
	if actor == "" {
		actor = ActorSystem
	}
	audit := AuditEntry{
		ID:        auditID(rec.ID, AuditPaymentOpened),
		ActorID:   actor,
		Action:    AuditPaymentOpened,
		Details:   fmt.Sprintf("Opened payment %s of %s for %s", rec.ID, amt.StringFixed(2), worker.Name),
		Timestamp: now,
	}

	if err := l.store.OpenPayment(ctx, rec, audit); err != nil {
		return nil, err
	}
	return &rec, nil
}

// =============================================================================
// CLOSING
// =============================================================================

// ClosePaymentSuccess transitions the record to success and advances the
// worker's schedule (LastPaid = paidAt, NextPaymentDate per frequency)
// as a single atomic unit. Calling it twice returns ErrAlreadyTerminal
// and does not double-advance the schedule.
func (l *Ledger) ClosePaymentSuccess(ctx context.Context, id PaymentID, reference string, paidAt time.Time) error {
	rec, worker, err := l.loadOpenPayment(ctx, id)
	if err != nil {
		return err
	}

	nextDue := NextDueDate(worker.Frequency, paidAt)
	audit := l.auditEntry(rec.ID, AuditPaymentSucceeded,
		fmt.Sprintf("Payment %s of %s to %s succeeded (ref: %s)", rec.ID, rec.Amount.StringFixed(2), worker.Name, reference))

	return l.store.ClosePaymentSuccess(ctx, id, reference, paidAt, nextDue, audit)
}

// ClosePaymentFailed transitions the record to failed. The worker's
// schedule is untouched: the worker remains due and will be retried by
// the next sweep.
func (l *Ledger) ClosePaymentFailed(ctx context.Context, id PaymentID, reason string) error {
	rec, worker, err := l.loadOpenPayment(ctx, id)
	if err != nil {
		return err
	}

	audit := l.auditEntry(rec.ID, AuditPaymentFailed,
		fmt.Sprintf("Payment %s of %s to %s failed: %s", rec.ID, rec.Amount.StringFixed(2), worker.Name, reason))

	return l.store.ClosePaymentFailed(ctx, id, reason, audit)
}

// CancelPayment transitions a still-pending record to cancelled.
func (l *Ledger) CancelPayment(ctx context.Context, id PaymentID, actor string) error {
	rec, worker, err := l.loadOpenPayment(ctx, id)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	audit := AuditEntry{
		ID:        auditID(rec.ID, AuditPaymentCancelled),
		ActorID:   actor,
		Action:    AuditPaymentCancelled,
		Details:   fmt.Sprintf("Payment %s of %s to %s cancelled", rec.ID, rec.Amount.StringFixed(2), worker.Name),
		Timestamp: now,
	}
	return l.store.CancelPayment(ctx, id, audit)
}

// loadOpenPayment fetches the record and its worker, rejecting records
// that have already reached a terminal state. The store re-checks the
// status inside its transaction; this early check just produces better
// errors without holding any lock.
func (l *Ledger) loadOpenPayment(ctx context.Context, id PaymentID) (*PaymentRecord, *Worker, error) {
	rec, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load payment %s: %w", id, err)
	}
	if rec == nil {
		return nil, nil, ErrPaymentNotFound
	}
	if rec.Status.Terminal() {
		return nil, nil, ErrAlreadyTerminal
	}

	worker, err := l.store.GetWorker(ctx, rec.WorkerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load worker %s: %w", rec.WorkerID, err)
	}
	if worker == nil {
		return nil, nil, ErrWorkerNotFound
	}
	return rec, worker, nil
}

func (l *Ledger) auditEntry(id PaymentID, action AuditAction, details string) AuditEntry {
	return AuditEntry{
		ID:        auditID(id, action),
		ActorID:   ActorSystem,
		Action:    action,
		Details:   details,
		Timestamp: l.clock.Now(),
	}
}

// auditID derives the audit row id from the payment and transition. A
// payment reaches each transition at most once, so the id is unique
// without consulting the clock.
func auditID(id PaymentID, action AuditAction) string {
	return fmt.Sprintf("audit-%s-%s", id, action)
}

// =============================================================================
// QUERIES
// =============================================================================

// ListDue returns active workers due for payment at asOf, excluding
// workers that already have a pending record today. This is the sweep's
// bulk admission pre-filter; OpenPayment re-checks per worker.
func (l *Ledger) ListDue(ctx context.Context, asOf time.Time) ([]Worker, error) {
	return l.store.ListDueWorkers(ctx, asOf)
}

// Worker fetches a single worker; ErrWorkerNotFound when missing.
func (l *Ledger) Worker(ctx context.Context, id WorkerID) (*Worker, error) {
	w, err := l.store.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWorkerNotFound
	}
	return w, nil
}

// ActiveWorkers lists workers eligible for scheduling.
func (l *Ledger) ActiveWorkers(ctx context.Context) ([]Worker, error) {
	return l.store.ListWorkers(ctx, true)
}

func (l *Ledger) GetPayment(ctx context.Context, id PaymentID) (*PaymentRecord, error) {
	return l.store.GetPayment(ctx, id)
}

func (l *Ledger) ListPayments(ctx context.Context, filter PaymentFilter) ([]PaymentRecord, error) {
	return l.store.ListPayments(ctx, filter)
}

// =============================================================================
// STATS - Dashboard numbers
// =============================================================================

// Stats summarizes the payroll state for the operational surface.
type Stats struct {
	TotalWorkers    int
	ActiveWorkers   int
	WorkersDue      int
	PendingPayments int
	MonthlyCost     decimal.Decimal
	LastPaymentAt   *time.Time
}

// ComputeStats derives dashboard statistics. MonthlyCost projects each
// active worker's salary to a month (weekly x4, bi-weekly x2).
func (l *Ledger) ComputeStats(ctx context.Context) (*Stats, error) {
	all, err := l.store.ListWorkers(ctx, false)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TotalWorkers: len(all), MonthlyCost: decimal.Zero}
	for _, w := range all {
		if !w.IsActive {
			continue
		}
		stats.ActiveWorkers++
		switch w.Frequency {
		case FrequencyWeekly:
			stats.MonthlyCost = stats.MonthlyCost.Add(w.Salary.Mul(decimal.NewFromInt(4)))
		case FrequencyBiWeekly:
			stats.MonthlyCost = stats.MonthlyCost.Add(w.Salary.Mul(decimal.NewFromInt(2)))
		default:
			stats.MonthlyCost = stats.MonthlyCost.Add(w.Salary)
		}
	}

	due, err := l.store.ListDueWorkers(ctx, l.clock.Now())
	if err != nil {
		return nil, err
	}
	stats.WorkersDue = len(due)

	pending, err := l.store.CountPayments(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	stats.PendingPayments = pending

	last, err := l.store.LastSuccessfulPayment(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil {
		stats.LastPaymentAt = last.PaidAt
	}
	return stats, nil
}
