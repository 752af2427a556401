/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/scheduler"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ProcessPaymentRequest is a manual payment request. Amount empty means
// the worker's salary.
type ProcessPaymentRequest struct {
	WorkerID string `json:"worker_id"`
	Amount   string `json:"amount,omitempty"` // decimal string, e.g. "50000.00"
}

// PaymentDTO represents a payment record in API responses.
type PaymentDTO struct {
	ID            string `json:"id"`
	WorkerID      string `json:"worker_id"`
	Amount        string `json:"amount"`
	Fee           string `json:"fee"`
	NetAmount     string `json:"net_amount"`
	Status        string `json:"status"`
	Reference     string `json:"reference,omitempty"`
	ApprovedBy    string `json:"approved_by,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	PaidAt        string `json:"paid_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// DueWorkerDTO is a worker currently due for payment.
type DueWorkerDTO struct {
	WorkerID string `json:"worker_id"`
	Name     string `json:"name"`
	Amount   string `json:"amount"`
	DueDate  string `json:"due_date,omitempty"`
}

// BalanceDTO is the provider balance in major units.
type BalanceDTO struct {
	Balance     string `json:"balance"`
	Currency    string `json:"currency"`
	LastUpdated string `json:"last_updated"`
}

// StatsDTO is the payroll dashboard summary.
type StatsDTO struct {
	TotalWorkers    int    `json:"total_workers"`
	ActiveWorkers   int    `json:"active_workers"`
	WorkersDue      int    `json:"workers_due"`
	PendingPayments int    `json:"pending_payments"`
	MonthlyCost     string `json:"monthly_cost"`
	LastPaymentAt   string `json:"last_payment_at,omitempty"`
}

// SchedulerStatusDTO is the scheduler's operational snapshot.
type SchedulerStatusDTO struct {
	Running         bool     `json:"running"`
	JobCount        int      `json:"job_count"`
	WorkersDue      int      `json:"workers_due"`
	PendingPayments int      `json:"pending_payments"`
	Jobs            []JobDTO `json:"jobs,omitempty"`
}

// JobDTO is one registered scheduler job.
type JobDTO struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	WorkerID string `json:"worker_id,omitempty"`
	State    string `json:"state"`
	NextFire string `json:"next_fire,omitempty"`
	LastFire string `json:"last_fire,omitempty"`
}

// SweepResultDTO summarizes a manually triggered sweep.
type SweepResultDTO struct {
	Due       int `json:"due"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// TransferStatusDTO is the provider-side state of a transfer.
type TransferStatusDTO struct {
	PaymentID string `json:"payment_id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPaymentDTO(rec payroll.PaymentRecord, fee paymentFee) PaymentDTO {
	dto := PaymentDTO{
		ID:            string(rec.ID),
		WorkerID:      string(rec.WorkerID),
		Amount:        rec.Amount.StringFixed(2),
		Fee:           fee.fee.StringFixed(2),
		NetAmount:     fee.net.StringFixed(2),
		Status:        string(rec.Status),
		Reference:     rec.Reference,
		ApprovedBy:    rec.ApprovedBy,
		FailureReason: rec.FailureReason,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.PaidAt != nil {
		dto.PaidAt = rec.PaidAt.Format(time.RFC3339)
	}
	return dto
}

func toJobDTO(j scheduler.JobInfo) JobDTO {
	dto := JobDTO{
		ID:       j.ID,
		Kind:     string(j.Kind),
		WorkerID: string(j.WorkerID),
		State:    j.State,
	}
	if !j.NextFire.IsZero() {
		dto.NextFire = j.NextFire.Format(time.RFC3339)
	}
	if !j.LastFire.IsZero() {
		dto.LastFire = j.LastFire.Format(time.RFC3339)
	}
	return dto
}
