/*
handlers.go - HTTP handlers for the payroll engine

PURPOSE:
  Thin wrappers over the Ledger, Orchestrator, and Scheduler. The hard
  invariants live in those components; handlers only translate between
  HTTP and the domain.

ACTOR IDENTITY:
  Authentication is an external collaborator. Manual operations read
  the already-authenticated actor id from the X-Actor-ID header and
  use it solely for audit attribution.

ERROR MAPPING:
  Admission errors are specific and actionable (400/404/409).
  Provider failures on a manual payment return 502 with the payment
  record id so the operator can look it up later; the record is
  already closed failed by then.

SEE ALSO:
  - server.go: Route wiring
  - dto.go: Request/response shapes
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/paystack"
	"github.com/warp/payroll-engine/scheduler"
)

// actorHeader carries the authenticated operator id for audit attribution.
const actorHeader = "X-Actor-ID"

// Handler holds the collaborators the API surfaces.
type Handler struct {
	Ledger       *payroll.Ledger
	Orchestrator *payroll.Orchestrator
	Scheduler    *scheduler.Scheduler
	Provider     payroll.TransferProvider
	Clock        payroll.Clock
}

func NewHandler(ledger *payroll.Ledger, orch *payroll.Orchestrator, sched *scheduler.Scheduler, provider payroll.TransferProvider, clock payroll.Clock) *Handler {
	if clock == nil {
		clock = payroll.SystemClock{}
	}
	return &Handler{
		Ledger:       ledger,
		Orchestrator: orch,
		Scheduler:    sched,
		Provider:     provider,
		Clock:        clock,
	}
}

func actor(r *http.Request) string {
	if id := r.Header.Get(actorHeader); id != "" {
		return id
	}
	return "operator"
}

// =============================================================================
// PAYMENTS
// =============================================================================

// ProcessPayment handles a manual operator-initiated payment. It shares
// the Ledger's admission and closing logic with the scheduler paths, so
// a concurrent sweep for the same worker yields exactly one pending
// record.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req ProcessPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required", nil)
		return
	}

	var amount *decimal.Decimal
	if req.Amount != "" {
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		amount = &amt
	}

	ctx := r.Context()
	rec, err := h.Ledger.OpenPayment(ctx, payroll.WorkerID(req.WorkerID), amount, actor(r))
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	worker, err := h.Ledger.Worker(ctx, rec.WorkerID)
	if err != nil {
		// Close the record so it does not pin the worker's admission
		// slot for the rest of the day.
		if cerr := h.Ledger.ClosePaymentFailed(ctx, rec.ID, "worker lookup failed before transfer"); cerr != nil {
			log.Errorf("closing manual payment %s after worker lookup failure: %v", rec.ID, cerr)
		}
		writeError(w, http.StatusInternalServerError, "Failed to load worker", err)
		return
	}

	outcome := h.Orchestrator.Execute(ctx, *worker, rec.Amount)
	if !outcome.Success {
		if err := h.Ledger.ClosePaymentFailed(ctx, rec.ID, outcome.FailureReason); err != nil {
			log.Errorf("closing manual payment %s as failed: %v", rec.ID, err)
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":      "Transfer failed, payment record closed as failed",
			"payment_id": string(rec.ID),
			"kind":       payroll.ClassifyTransferError(outcome.Err),
		})
		return
	}

	if err := h.Ledger.ClosePaymentSuccess(ctx, rec.ID, outcome.Reference, h.Clock.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "Transfer succeeded but closing the record failed", err)
		return
	}

	closed, err := h.Ledger.GetPayment(ctx, rec.ID)
	if err != nil || closed == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*closed, feeFor(closed.Amount)))
}

// ListPayments returns payment history, newest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	filter := payroll.PaymentFilter{}
	q := r.URL.Query()

	if v := q.Get("worker_id"); v != "" {
		id := payroll.WorkerID(v)
		filter.WorkerID = &id
	}
	if v := q.Get("status"); v != "" {
		status := payroll.PaymentStatus(v)
		filter.Status = &status
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date (use YYYY-MM-DD)", err)
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date (use YYYY-MM-DD)", err)
			return
		}
		end := t.AddDate(0, 0, 1)
		filter.To = &end
	}

	records, err := h.Ledger.ListPayments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(records))
	for i, rec := range records {
		dtos[i] = toPaymentDTO(rec, feeFor(rec.Amount))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPayment returns a single payment record.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.paymentFromURL(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*rec, feeFor(rec.Amount)))
}

// CancelPayment cancels a still-pending payment record.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.paymentFromURL(w, r)
	if !ok {
		return
	}

	if err := h.Ledger.CancelPayment(r.Context(), rec.ID, actor(r)); err != nil {
		if errors.Is(err, payroll.ErrAlreadyTerminal) {
			writeError(w, http.StatusConflict, "Payment is already in a terminal state", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to cancel payment", err)
		return
	}

	closed, err := h.Ledger.GetPayment(r.Context(), rec.ID)
	if err != nil || closed == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*closed, feeFor(closed.Amount)))
}

// GetProviderStatus looks up the provider-side state of a transfer.
func (h *Handler) GetProviderStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.paymentFromURL(w, r)
	if !ok {
		return
	}
	if rec.Reference == "" {
		writeError(w, http.StatusConflict, "Payment has no provider reference", nil)
		return
	}

	status, err := h.Orchestrator.Status(r.Context(), rec.Reference)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransferStatusDTO{
		PaymentID: string(rec.ID),
		Reference: rec.Reference,
		Status:    status,
	})
}

// ListDueWorkers returns workers currently due for payment.
func (h *Handler) ListDueWorkers(w http.ResponseWriter, r *http.Request) {
	due, err := h.Ledger.ListDue(r.Context(), h.Clock.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list due workers", err)
		return
	}

	dtos := make([]DueWorkerDTO, len(due))
	for i, worker := range due {
		dto := DueWorkerDTO{
			WorkerID: string(worker.ID),
			Name:     worker.Name,
			Amount:   worker.Salary.StringFixed(2),
		}
		if worker.NextPaymentDate != nil {
			dto.DueDate = worker.NextPaymentDate.Format(time.RFC3339)
		}
		dtos[i] = dto
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStats returns the payroll dashboard summary.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Ledger.ComputeStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute stats", err)
		return
	}

	dto := StatsDTO{
		TotalWorkers:    stats.TotalWorkers,
		ActiveWorkers:   stats.ActiveWorkers,
		WorkersDue:      stats.WorkersDue,
		PendingPayments: stats.PendingPayments,
		MonthlyCost:     stats.MonthlyCost.StringFixed(2),
	}
	if stats.LastPaymentAt != nil {
		dto.LastPaymentAt = stats.LastPaymentAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetBalance returns the provider balance in major units.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Provider.GetBalance(r.Context())
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		Balance:     payroll.FromMinorUnits(balance.AmountMinor).StringFixed(2),
		Currency:    balance.Currency,
		LastUpdated: h.Clock.Now().Format(time.RFC3339),
	})
}

// =============================================================================
// SCHEDULER OPERATIONAL SURFACE
// =============================================================================

// GetSchedulerStatus returns the scheduler snapshot.
func (h *Handler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Scheduler.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get scheduler status", err)
		return
	}

	dto := SchedulerStatusDTO{
		Running:         st.Running,
		JobCount:        st.JobCount,
		WorkersDue:      st.WorkersDue,
		PendingPayments: st.PendingPayments,
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListJobs returns all registered scheduler jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	st, err := h.Scheduler.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get scheduler status", err)
		return
	}

	dtos := make([]JobDTO, len(st.Jobs))
	for i, j := range st.Jobs {
		dtos[i] = toJobDTO(j)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerReschedule re-registers one-shot jobs for all active workers.
func (h *Handler) TriggerReschedule(w http.ResponseWriter, r *http.Request) {
	n, err := h.Scheduler.RescheduleAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reschedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"scheduled": n})
}

// TriggerSweep runs the sweep immediately.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	result := h.Scheduler.Sweep(r.Context())
	writeJSON(w, http.StatusOK, SweepResultDTO{
		Due:       result.Due,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Skipped:   result.Skipped,
	})
}

// CancelJob removes a not-yet-fired job. Idempotent.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.Scheduler.Cancel(id) {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
}

// =============================================================================
// HELPERS
// =============================================================================

type paymentFee struct {
	net decimal.Decimal
	fee decimal.Decimal
}

func feeFor(amount decimal.Decimal) paymentFee {
	net, fee := paystack.NetAmount(amount)
	return paymentFee{net: net, fee: fee}
}

func (h *Handler) paymentFromURL(w http.ResponseWriter, r *http.Request) (*payroll.PaymentRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, err := h.Ledger.GetPayment(r.Context(), payroll.PaymentID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get payment", err)
		return nil, false
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Payment not found", nil)
		return nil, false
	}
	return rec, true
}

func writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payroll.ErrWorkerNotFound):
		writeError(w, http.StatusNotFound, "Worker not found", err)
	case errors.Is(err, payroll.ErrWorkerInactive):
		writeError(w, http.StatusBadRequest, "Worker is not active", err)
	case errors.Is(err, payroll.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "Amount must be positive", err)
	case errors.Is(err, payroll.ErrDuplicatePending):
		writeError(w, http.StatusConflict, "A pending payment already exists for this worker today", err)
	default:
		writeError(w, http.StatusInternalServerError, "Failed to open payment", err)
	}
}

func writeProviderError(w http.ResponseWriter, err error) {
	if errors.Is(err, payroll.ErrProviderUnreachable) {
		writeError(w, http.StatusServiceUnavailable, "Transfer provider unreachable", err)
		return
	}
	writeError(w, http.StatusBadGateway, "Transfer provider rejected the request", err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]any{"error": message}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}
