// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements payroll.Store with a single mutex. The mutex spans
// each payment mutation in full, which gives the same serialized
// check-then-insert semantics the SQLite store gets from its
// transaction plus unique index.
type Memory struct {
	mu       sync.RWMutex
	workers  map[payroll.WorkerID]payroll.Worker
	payments map[payroll.PaymentID]payroll.PaymentRecord
	audit    []payroll.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		workers:  make(map[payroll.WorkerID]payroll.Worker),
		payments: make(map[payroll.PaymentID]payroll.PaymentRecord),
	}
}

// =============================================================================
// WORKERS
// =============================================================================

func (m *Memory) GetWorker(_ context.Context, id payroll.WorkerID) (*payroll.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *Memory) SaveWorker(_ context.Context, w payroll.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = w
	return nil
}

func (m *Memory) ListWorkers(_ context.Context, activeOnly bool) ([]payroll.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payroll.Worker
	for _, w := range m.workers {
		if activeOnly && !w.IsActive {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListDueWorkers(_ context.Context, asOf time.Time) ([]payroll.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := payroll.UTCDay(asOf)

	var out []payroll.Worker
	for _, w := range m.workers {
		if !w.Due(asOf) {
			continue
		}
		if m.hasPendingOnDayLocked(w.ID, day) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) hasPendingOnDayLocked(workerID payroll.WorkerID, day time.Time) bool {
	for _, p := range m.payments {
		if p.WorkerID == workerID && p.Status == payroll.StatusPending && payroll.UTCDay(p.CreatedAt).Equal(day) {
			return true
		}
	}
	return false
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) OpenPayment(_ context.Context, rec payroll.PaymentRecord, audit payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := payroll.UTCDay(rec.CreatedAt)
	for _, p := range m.payments {
		if p.WorkerID == rec.WorkerID && p.Status == payroll.StatusPending && payroll.UTCDay(p.CreatedAt).Equal(day) {
			return &payroll.DuplicatePendingError{WorkerID: rec.WorkerID, ExistingID: p.ID}
		}
	}
	if _, exists := m.payments[rec.ID]; exists {
		return fmt.Errorf("payment %s already exists", rec.ID)
	}

	m.payments[rec.ID] = rec
	m.audit = append(m.audit, audit)
	return nil
}

func (m *Memory) ClosePaymentSuccess(_ context.Context, id payroll.PaymentID, reference string, paidAt, nextDue time.Time, audit payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.payments[id]
	if !ok {
		return payroll.ErrPaymentNotFound
	}
	if rec.Status != payroll.StatusPending {
		return payroll.ErrAlreadyTerminal
	}
	worker, ok := m.workers[rec.WorkerID]
	if !ok {
		return payroll.ErrWorkerNotFound
	}

	rec.Status = payroll.StatusSuccess
	rec.Reference = reference
	rec.PaidAt = &paidAt
	m.payments[id] = rec

	worker.LastPaid = &paidAt
	worker.NextPaymentDate = &nextDue
	m.workers[worker.ID] = worker

	m.audit = append(m.audit, audit)
	return nil
}

func (m *Memory) ClosePaymentFailed(_ context.Context, id payroll.PaymentID, reason string, audit payroll.AuditEntry) error {
	return m.closeTerminal(id, payroll.StatusFailed, reason, audit)
}

func (m *Memory) CancelPayment(_ context.Context, id payroll.PaymentID, audit payroll.AuditEntry) error {
	return m.closeTerminal(id, payroll.StatusCancelled, "", audit)
}

func (m *Memory) closeTerminal(id payroll.PaymentID, status payroll.PaymentStatus, reason string, audit payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.payments[id]
	if !ok {
		return payroll.ErrPaymentNotFound
	}
	if rec.Status != payroll.StatusPending {
		return payroll.ErrAlreadyTerminal
	}

	rec.Status = status
	rec.FailureReason = reason
	m.payments[id] = rec
	m.audit = append(m.audit, audit)
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id payroll.PaymentID) (*payroll.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) ListPayments(_ context.Context, filter payroll.PaymentFilter) ([]payroll.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []payroll.PaymentRecord
	for _, p := range m.payments {
		if filter.WorkerID != nil && p.WorkerID != *filter.WorkerID {
			continue
		}
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		if filter.From != nil && p.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && p.CreatedAt.After(*filter.To) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountPayments(_ context.Context, status payroll.PaymentStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.payments {
		if p.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) LastSuccessfulPayment(_ context.Context) (*payroll.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *payroll.PaymentRecord
	for _, p := range m.payments {
		if p.Status != payroll.StatusSuccess || p.PaidAt == nil {
			continue
		}
		if last == nil || p.PaidAt.After(*last.PaidAt) {
			rec := p
			last = &rec
		}
	}
	return last, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry payroll.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, limit int) ([]payroll.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	// Newest first.
	out := make([]payroll.AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

// AuditEntries returns the raw append order. Test helper.
func (m *Memory) AuditEntries() []payroll.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payroll.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

var _ payroll.Store = (*Memory)(nil)

// String implements fmt.Stringer for debug output.
func (m *Memory) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("memory store: %d workers, %d payments, %d audit entries",
		len(m.workers), len(m.payments), len(m.audit))
}
