package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
	"github.com/warp/payroll-engine/scheduler"
)

// =============================================================================
// FIXTURE
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// tickingClock hands out strictly increasing instants so generated ids
// never collide.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// stubProvider succeeds for every worker except those whose recipient
// name was marked as failing.
type stubProvider struct {
	mu        sync.Mutex
	failNames map[string]bool
	transfers int
}

func newStubProvider(failNames ...string) *stubProvider {
	fail := make(map[string]bool, len(failNames))
	for _, n := range failNames {
		fail[n] = true
	}
	return &stubProvider{failNames: fail}
}

func (p *stubProvider) GetBalance(ctx context.Context) (payroll.ProviderBalance, error) {
	return payroll.ProviderBalance{AmountMinor: 1_000_000_000, Currency: "NGN"}, nil
}

func (p *stubProvider) CreateRecipient(ctx context.Context, name, accountNumber, bankCode string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNames[name] {
		return "", &payroll.ProviderError{Op: "recipient", Message: "invalid account number"}
	}
	return "RCP_" + accountNumber, nil
}

func (p *stubProvider) InitiateTransfer(ctx context.Context, recipientID string, amountMinor int64, reason string) (payroll.TransferReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transfers++
	return payroll.TransferReceipt{Reference: fmt.Sprintf("TRX%d", p.transfers), Status: "pending"}, nil
}

func (p *stubProvider) GetTransferStatus(ctx context.Context, reference string) (string, error) {
	return "success", nil
}

type fixture struct {
	store *store.Memory
	sched *scheduler.Scheduler
	clock *tickingClock
}

func newFixture(t *testing.T, provider payroll.TransferProvider) *fixture {
	mem := store.NewMemory()
	clock := &tickingClock{t: testNow}
	audit := payroll.NewRecorder(mem, clock)
	ledger := payroll.NewLedger(mem, clock)
	orch := payroll.NewOrchestrator(provider, audit)
	sched := scheduler.New(ledger, orch, audit, clock)
	t.Cleanup(sched.Stop)
	return &fixture{store: mem, sched: sched, clock: clock}
}

func dueWorker(id, name string) payroll.Worker {
	due := testNow.AddDate(0, 0, -1)
	return payroll.Worker{
		ID:              payroll.WorkerID(id),
		Name:            name,
		BankName:        "First Bank",
		AccountNumber:   "0000" + id,
		BankCode:        "011",
		Salary:          payroll.MustDecimal("50000.00"),
		Frequency:       payroll.FrequencyMonthly,
		NextPaymentDate: &due,
		IsActive:        true,
		CreatedAt:       testNow.AddDate(0, -6, 0),
	}
}

func saveWorker(t *testing.T, mem *store.Memory, w payroll.Worker) {
	require.NoError(t, mem.SaveWorker(context.Background(), w))
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep_PaysAllDueWorkers(t *testing.T) {
	f := newFixture(t, newStubProvider())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		saveWorker(t, f.store, dueWorker(fmt.Sprintf("w-%d", i), fmt.Sprintf("Worker %d", i)))
	}

	result := f.sched.Sweep(ctx)

	assert.Equal(t, 3, result.Due)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Skipped)

	// Every worker is closed successfully and pushed past today.
	for i := 1; i <= 3; i++ {
		w, err := f.store.GetWorker(ctx, payroll.WorkerID(fmt.Sprintf("w-%d", i)))
		require.NoError(t, err)
		require.NotNil(t, w.LastPaid)
		require.NotNil(t, w.NextPaymentDate)
		assert.True(t, w.NextPaymentDate.After(testNow))
	}

	pending, err := f.store.CountPayments(ctx, payroll.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSweep_OneFailureDoesNotAbortBatch(t *testing.T) {
	// GIVEN: Three due workers, one with account details the provider
	//        rejects
	// WHEN: The sweep runs
	// THEN: The other two still get paid and the bad one closes failed

	f := newFixture(t, newStubProvider("Bad Worker"))
	ctx := context.Background()

	saveWorker(t, f.store, dueWorker("w-1", "Good One"))
	saveWorker(t, f.store, dueWorker("w-2", "Bad Worker"))
	saveWorker(t, f.store, dueWorker("w-3", "Good Two"))

	result := f.sched.Sweep(ctx)

	assert.Equal(t, 3, result.Due)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	// The failed worker's schedule is untouched, so the next sweep
	// retries.
	failed, err := f.store.GetWorker(ctx, "w-2")
	require.NoError(t, err)
	assert.Nil(t, failed.LastPaid)
	assert.True(t, failed.Due(f.clock.Now()))

	status := payroll.StatusFailed
	records, err := f.store.ListPayments(ctx, payroll.PaymentFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, payroll.WorkerID("w-2"), records[0].WorkerID)
	assert.Contains(t, records[0].FailureReason, "invalid account number")
}

func TestSweep_SkipsWorkerWithPendingToday(t *testing.T) {
	f := newFixture(t, newStubProvider())
	ctx := context.Background()

	saveWorker(t, f.store, dueWorker("w-1", "Worker One"))
	saveWorker(t, f.store, dueWorker("w-2", "Worker Two"))

	// A pending payment already open for w-1 today keeps it out of the
	// due list entirely.
	ledger := payroll.NewLedger(f.store, f.clock)
	_, err := ledger.OpenPayment(ctx, "w-1", nil, "operator")
	require.NoError(t, err)

	result := f.sched.Sweep(ctx)
	assert.Equal(t, 1, result.Due)
	assert.Equal(t, 1, result.Succeeded)
}

func TestSweep_RecordsAuditSummary(t *testing.T) {
	f := newFixture(t, newStubProvider())
	saveWorker(t, f.store, dueWorker("w-1", "Worker One"))

	f.sched.Sweep(context.Background())

	var summaries []payroll.AuditEntry
	for _, e := range f.store.AuditEntries() {
		if e.Action == payroll.AuditSweepCompleted {
			summaries = append(summaries, e)
		}
	}
	require.Len(t, summaries, 1)
	assert.Contains(t, summaries[0].Details, "1 due, 1 succeeded, 0 failed, 0 skipped")
}

// =============================================================================
// ONE-SHOT JOBS
// =============================================================================

func TestScheduleWorkerPayment_FiresAndRemovesItself(t *testing.T) {
	f := newFixture(t, newStubProvider())
	ctx := context.Background()
	saveWorker(t, f.store, dueWorker("w-1", "Worker One"))

	f.sched.Start()
	jobID := f.sched.ScheduleWorkerPayment("w-1", f.clock.Now())
	assert.Contains(t, jobID, "worker_payment_w-1_")

	require.Eventually(t, func() bool {
		n, err := f.store.CountPayments(ctx, payroll.StatusSuccess)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The fired job removed itself from the registry.
	require.Eventually(t, func() bool {
		st, err := f.sched.Snapshot(ctx)
		return err == nil && st.JobCount == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleWorkerPayment_ReplacementStaysRegistered(t *testing.T) {
	// GIVEN: The same worker/time registered twice, producing one job id
	// WHEN: The replaced goroutine tears down
	// THEN: The replacement stays in the registry and remains cancellable

	f := newFixture(t, newStubProvider())
	ctx := context.Background()
	saveWorker(t, f.store, dueWorker("w-1", "Worker One"))

	f.sched.Start()
	when := testNow.Add(time.Hour)
	first := f.sched.ScheduleWorkerPayment("w-1", when)
	second := f.sched.ScheduleWorkerPayment("w-1", when)
	require.Equal(t, first, second)

	// Give the replaced goroutine time to run its teardown.
	time.Sleep(50 * time.Millisecond)

	st, err := f.sched.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.JobCount)

	assert.True(t, f.sched.Cancel(second), "replacement must be cancellable")

	st, err = f.sched.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.JobCount)

	n, err := f.store.CountPayments(ctx, payroll.StatusSuccess)
	require.NoError(t, err)
	assert.Zero(t, n, "cancelled job must not fire")
}

func TestCancel_RemovesJobIdempotently(t *testing.T) {
	f := newFixture(t, newStubProvider())

	// Not started: the job sits in the registry without firing.
	jobID := f.sched.ScheduleWorkerPayment("w-1", testNow.Add(time.Hour))

	assert.True(t, f.sched.Cancel(jobID))
	assert.False(t, f.sched.Cancel(jobID), "second cancel reports absence")
	assert.False(t, f.sched.Cancel("no-such-job"))

	st, err := f.sched.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.JobCount)
}

func TestStartDailySweep_RegistersRecurringJob(t *testing.T) {
	f := newFixture(t, newStubProvider())

	jobID, err := f.sched.StartDailySweep(9)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SweepJobID, jobID)

	// Replacing the schedule keeps a single registry entry.
	_, err = f.sched.StartDailySweep(10)
	require.NoError(t, err)

	st, err := f.sched.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.JobCount)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, scheduler.KindDailySweep, st.Jobs[0].Kind)

	_, err = f.sched.StartDailySweep(24)
	assert.Error(t, err)
}

// =============================================================================
// RESCHEDULING
// =============================================================================

func TestRescheduleAll_SkipsOverdueWorkers(t *testing.T) {
	// Overdue workers are the sweep's job; only future due dates get a
	// precise one-shot.

	f := newFixture(t, newStubProvider())
	ctx := context.Background()

	future := dueWorker("w-future", "Future")
	when := testNow.AddDate(0, 0, 5)
	future.NextPaymentDate = &when
	saveWorker(t, f.store, future)

	saveWorker(t, f.store, dueWorker("w-overdue", "Overdue"))

	unscheduled := dueWorker("w-unscheduled", "Unscheduled")
	unscheduled.NextPaymentDate = nil
	saveWorker(t, f.store, unscheduled)

	inactive := dueWorker("w-inactive", "Inactive")
	inactive.IsActive = false
	inactive.NextPaymentDate = &when
	saveWorker(t, f.store, inactive)

	n, err := f.sched.RescheduleAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := f.sched.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, payroll.WorkerID("w-future"), st.Jobs[0].WorkerID)
}

// =============================================================================
// DIRECT PROCESSING
// =============================================================================

func TestProcessWorkerPayment_PaysSingleWorker(t *testing.T) {
	f := newFixture(t, newStubProvider())
	ctx := context.Background()
	saveWorker(t, f.store, dueWorker("w-1", "Worker One"))

	f.sched.ProcessWorkerPayment(ctx, "w-1")

	n, err := f.store.CountPayments(ctx, payroll.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessWorkerPayment_SkipsWhenPendingExists(t *testing.T) {
	// A still-pending record for the worker's day blocks admission; the
	// job skips silently instead of double-paying.

	f := newFixture(t, newStubProvider())
	ctx := context.Background()
	saveWorker(t, f.store, dueWorker("w-1", "Worker One"))

	ledger := payroll.NewLedger(f.store, f.clock)
	_, err := ledger.OpenPayment(ctx, "w-1", nil, "operator")
	require.NoError(t, err)

	f.sched.ProcessWorkerPayment(ctx, "w-1")

	total, err := f.store.ListPayments(ctx, payroll.PaymentFilter{})
	require.NoError(t, err)
	assert.Len(t, total, 1, "no second record is opened")

	n, err := f.store.CountPayments(ctx, payroll.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the operator's pending record is untouched")
}
