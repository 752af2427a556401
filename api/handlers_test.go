package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
	"github.com/warp/payroll-engine/scheduler"
)

// =============================================================================
// FIXTURE
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

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

// scriptedProvider succeeds unless an error is scripted per step.
type scriptedProvider struct {
	balanceMinor int64
	transferErr  error
	statusErr    error
	status       string
}

func (p *scriptedProvider) GetBalance(ctx context.Context) (payroll.ProviderBalance, error) {
	return payroll.ProviderBalance{AmountMinor: p.balanceMinor, Currency: "NGN"}, nil
}

func (p *scriptedProvider) CreateRecipient(ctx context.Context, name, accountNumber, bankCode string) (string, error) {
	return "RCP_test", nil
}

func (p *scriptedProvider) InitiateTransfer(ctx context.Context, recipientID string, amountMinor int64, reason string) (payroll.TransferReceipt, error) {
	if p.transferErr != nil {
		return payroll.TransferReceipt{}, p.transferErr
	}
	return payroll.TransferReceipt{Reference: "TRX123", Status: "pending"}, nil
}

func (p *scriptedProvider) GetTransferStatus(ctx context.Context, reference string) (string, error) {
	if p.statusErr != nil {
		return "", p.statusErr
	}
	return p.status, nil
}

type fixture struct {
	store    *store.Memory
	ledger   *payroll.Ledger
	provider *scriptedProvider
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	mem := store.NewMemory()
	clock := &tickingClock{t: testNow}
	audit := payroll.NewRecorder(mem, clock)
	ledger := payroll.NewLedger(mem, clock)
	provider := &scriptedProvider{balanceMinor: 1_000_000_000, status: "success"}
	orch := payroll.NewOrchestrator(provider, audit)
	sched := scheduler.New(ledger, orch, audit, clock)
	t.Cleanup(sched.Stop)

	h := api.NewHandler(ledger, orch, sched, provider, clock)
	return &fixture{
		store:    mem,
		ledger:   ledger,
		provider: provider,
		router:   api.NewRouter(h),
	}
}

func (f *fixture) addWorker(t *testing.T, id string, active bool) {
	due := testNow.AddDate(0, 0, -1)
	w := payroll.Worker{
		ID:              payroll.WorkerID(id),
		Name:            "Ada Obi",
		BankName:        "First Bank",
		AccountNumber:   "0123456789",
		BankCode:        "011",
		Salary:          payroll.MustDecimal("50000.00"),
		Frequency:       payroll.FrequencyMonthly,
		NextPaymentDate: &due,
		IsActive:        active,
		CreatedAt:       testNow.AddDate(0, -6, 0),
	}
	require.NoError(t, f.store.SaveWorker(context.Background(), w))
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out))
}

// =============================================================================
// PROCESS PAYMENT
// =============================================================================

func TestProcessPayment_Success(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)

	rr := f.do(t, http.MethodPost, "/api/payments/process",
		api.ProcessPaymentRequest{WorkerID: "w-1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var dto api.PaymentDTO
	decodeBody(t, rr, &dto)
	assert.Equal(t, "w-1", dto.WorkerID)
	assert.Equal(t, "success", dto.Status)
	assert.Equal(t, "TRX123", dto.Reference)
	assert.Equal(t, "50000.00", dto.Amount)
	assert.Equal(t, "25.00", dto.Fee)
	assert.Equal(t, "49975.00", dto.NetAmount)
	assert.NotEmpty(t, dto.PaidAt)
}

func TestProcessPayment_ActorHeaderAttributed(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)

	payload, err := json.Marshal(api.ProcessPaymentRequest{WorkerID: "w-1", Amount: "100.00"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/process", bytes.NewReader(payload))
	req.Header.Set("X-Actor-ID", "admin-7")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var dto api.PaymentDTO
	decodeBody(t, rr, &dto)
	assert.Equal(t, "admin-7", dto.ApprovedBy)
	assert.Equal(t, "100.00", dto.Amount)
}

func TestProcessPayment_AdmissionErrorCodes(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-active", true)
	f.addWorker(t, "w-inactive", false)

	cases := []struct {
		name string
		req  api.ProcessPaymentRequest
		code int
	}{
		{"unknown worker", api.ProcessPaymentRequest{WorkerID: "ghost"}, http.StatusNotFound},
		{"inactive worker", api.ProcessPaymentRequest{WorkerID: "w-inactive"}, http.StatusBadRequest},
		{"zero amount", api.ProcessPaymentRequest{WorkerID: "w-active", Amount: "0"}, http.StatusBadRequest},
		{"garbage amount", api.ProcessPaymentRequest{WorkerID: "w-active", Amount: "ten"}, http.StatusBadRequest},
		{"missing worker id", api.ProcessPaymentRequest{}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/api/payments/process", tc.req)
			assert.Equal(t, tc.code, rr.Code, rr.Body.String())
		})
	}
}

func TestProcessPayment_DuplicateReturns409(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)

	// A pending record already open for today (the transfer has not
	// resolved yet).
	_, err := f.ledger.OpenPayment(context.Background(), "w-1", nil, "operator")
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/api/payments/process",
		api.ProcessPaymentRequest{WorkerID: "w-1"})
	assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
}

// flakyWorkerStore fails the Nth GetWorker call.
type flakyWorkerStore struct {
	*store.Memory
	calls  int
	failOn int
}

func (f *flakyWorkerStore) GetWorker(ctx context.Context, id payroll.WorkerID) (*payroll.Worker, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, errors.New("connection reset")
	}
	return f.Memory.GetWorker(ctx, id)
}

func TestProcessPayment_WorkerReloadFailureClosesRecord(t *testing.T) {
	// GIVEN: The worker read fails between admission and transfer
	// WHEN: A manual payment is processed
	// THEN: 500, and the record closes failed instead of pinning the
	//       worker's admission slot for the rest of the day

	mem := store.NewMemory()
	flaky := &flakyWorkerStore{Memory: mem, failOn: 2} // 1st: admission, 2nd: reload
	clock := &tickingClock{t: testNow}
	audit := payroll.NewRecorder(flaky, clock)
	ledger := payroll.NewLedger(flaky, clock)
	provider := &scriptedProvider{balanceMinor: 1_000_000_000, status: "success"}
	orch := payroll.NewOrchestrator(provider, audit)
	sched := scheduler.New(ledger, orch, audit, clock)
	t.Cleanup(sched.Stop)
	router := api.NewRouter(api.NewHandler(ledger, orch, sched, provider, clock))
	ctx := context.Background()

	due := testNow.AddDate(0, 0, -1)
	require.NoError(t, mem.SaveWorker(ctx, payroll.Worker{
		ID:              "w-1",
		Name:            "Ada Obi",
		BankName:        "First Bank",
		AccountNumber:   "0123456789",
		BankCode:        "011",
		Salary:          payroll.MustDecimal("50000.00"),
		Frequency:       payroll.FrequencyMonthly,
		NextPaymentDate: &due,
		IsActive:        true,
		CreatedAt:       testNow.AddDate(0, -6, 0),
	}))

	payload, err := json.Marshal(api.ProcessPaymentRequest{WorkerID: "w-1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/process", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusInternalServerError, rr.Code, rr.Body.String())

	pending, err := mem.CountPayments(ctx, payroll.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending, "record must not stay pending")

	failed, err := mem.CountPayments(ctx, payroll.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	// The admission slot is free again: a retry goes through.
	req = httptest.NewRequest(http.MethodPost, "/api/payments/process", bytes.NewReader(payload))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestProcessPayment_TransferFailureReturns502WithPaymentID(t *testing.T) {
	// GIVEN: A provider that rejects the transfer
	// WHEN: A manual payment is processed
	// THEN: 502 with the closed record's id so the operator can look it up

	f := newFixture(t)
	f.addWorker(t, "w-1", true)
	f.provider.transferErr = &payroll.ProviderError{Op: "transfer", Message: "otp required"}

	rr := f.do(t, http.MethodPost, "/api/payments/process",
		api.ProcessPaymentRequest{WorkerID: "w-1"})
	require.Equal(t, http.StatusBadGateway, rr.Code, rr.Body.String())

	var body map[string]any
	decodeBody(t, rr, &body)
	assert.Equal(t, "provider_rejected", body["kind"])

	paymentID, _ := body["payment_id"].(string)
	require.NotEmpty(t, paymentID)

	rec, err := f.ledger.GetPayment(context.Background(), payroll.PaymentID(paymentID))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, payroll.StatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "otp required")
}

// =============================================================================
// PAYMENT QUERIES
// =============================================================================

func TestListPayments_FiltersByStatus(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)
	f.addWorker(t, "w-2", true)
	ctx := context.Background()

	rec1, err := f.ledger.OpenPayment(ctx, "w-1", nil, "")
	require.NoError(t, err)
	require.NoError(t, f.ledger.ClosePaymentFailed(ctx, rec1.ID, "boom"))

	_, err = f.ledger.OpenPayment(ctx, "w-2", nil, "")
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/api/payments/?status=failed", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var dtos []api.PaymentDTO
	decodeBody(t, rr, &dtos)
	require.Len(t, dtos, 1)
	assert.Equal(t, "w-1", dtos[0].WorkerID)
	assert.Equal(t, "boom", dtos[0].FailureReason)
}

func TestGetPayment_NotFound(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/api/payments/pay-404", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelPayment_TerminalReturns409(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)
	ctx := context.Background()

	rec, err := f.ledger.OpenPayment(ctx, "w-1", nil, "")
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%s/cancel", rec.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var dto api.PaymentDTO
	decodeBody(t, rr, &dto)
	assert.Equal(t, "cancelled", dto.Status)

	rr = f.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%s/cancel", rec.ID), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestGetProviderStatus(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)
	ctx := context.Background()

	rec, err := f.ledger.OpenPayment(ctx, "w-1", nil, "")
	require.NoError(t, err)

	// No reference yet: nothing to look up.
	rr := f.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%s/provider-status", rec.ID), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	require.NoError(t, f.ledger.ClosePaymentSuccess(ctx, rec.ID, "TRX123", testNow))

	rr = f.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%s/provider-status", rec.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var dto api.TransferStatusDTO
	decodeBody(t, rr, &dto)
	assert.Equal(t, "TRX123", dto.Reference)
	assert.Equal(t, "success", dto.Status)
}

func TestGetProviderStatus_UnreachableReturns503(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)
	ctx := context.Background()

	rec, err := f.ledger.OpenPayment(ctx, "w-1", nil, "")
	require.NoError(t, err)
	require.NoError(t, f.ledger.ClosePaymentSuccess(ctx, rec.ID, "TRX123", testNow))

	f.provider.statusErr = &payroll.ProviderError{Op: "status", Unreachable: true, Message: "timeout"}
	rr := f.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%s/provider-status", rec.ID), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

// =============================================================================
// DASHBOARD
// =============================================================================

func TestListDueWorkers(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)
	f.addWorker(t, "w-2", false)

	rr := f.do(t, http.MethodGet, "/api/payments/pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var dtos []api.DueWorkerDTO
	decodeBody(t, rr, &dtos)
	require.Len(t, dtos, 1)
	assert.Equal(t, "w-1", dtos[0].WorkerID)
	assert.Equal(t, "50000.00", dtos[0].Amount)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)
	f.addWorker(t, "w-2", false)

	rr := f.do(t, http.MethodGet, "/api/payments/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var dto api.StatsDTO
	decodeBody(t, rr, &dto)
	assert.Equal(t, 2, dto.TotalWorkers)
	assert.Equal(t, 1, dto.ActiveWorkers)
	assert.Equal(t, 1, dto.WorkersDue)
	assert.Equal(t, "50000.00", dto.MonthlyCost)
}

func TestGetBalance_MajorUnits(t *testing.T) {
	f := newFixture(t)
	f.provider.balanceMinor = 12345600

	rr := f.do(t, http.MethodGet, "/api/balance", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var dto api.BalanceDTO
	decodeBody(t, rr, &dto)
	assert.Equal(t, "123456.00", dto.Balance)
	assert.Equal(t, "NGN", dto.Currency)
}

// =============================================================================
// SCHEDULER SURFACE
// =============================================================================

func TestTriggerSweep(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w-1", true)
	f.addWorker(t, "w-2", true)

	rr := f.do(t, http.MethodPost, "/api/scheduler/sweep", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var dto api.SweepResultDTO
	decodeBody(t, rr, &dto)
	assert.Equal(t, 2, dto.Due)
	assert.Equal(t, 2, dto.Succeeded)
}

func TestSchedulerStatusAndCancelJob(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var status api.SchedulerStatusDTO
	decodeBody(t, rr, &status)
	assert.False(t, status.Running)
	assert.Zero(t, status.JobCount)

	rr = f.do(t, http.MethodDelete, "/api/scheduler/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
