/*
audit.go - Best-effort audit recorder

PURPOSE:
  Records scheduling and payment decisions for post-hoc reconciliation.
  The Ledger writes its own audit rows transactionally with the payment
  mutation; everything else (scheduler fires, balance checks, job
  registration) goes through the Recorder.

FAILURE POLICY:
  Audit here is observability, not a consistency requirement. A failed
  audit write is logged to the side channel (logrus) and swallowed -
  it never blocks or fails the triggering operation.

SEE ALSO:
  - store.go: AuditStore interface
  - scheduler/: Main consumer
*/
package payroll

import (
	"context"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Recorder appends audit entries without ever failing the caller.
type Recorder struct {
	store AuditStore
	clock Clock
	seq   atomic.Uint64
}

func NewRecorder(store AuditStore, clock Clock) *Recorder {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Recorder{store: store, clock: clock}
}

// Record appends an entry. Write failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, actor string, action AuditAction, details string) {
	// The sequence keeps ids distinct when two records share a clock
	// reading.
	now := r.clock.Now()
	entry := AuditEntry{
		ID:        fmt.Sprintf("audit-%d-%d", now.UnixNano(), r.seq.Add(1)),
		ActorID:   actor,
		Action:    action,
		Details:   details,
		Timestamp: now,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		log.Errorf("audit write failed (action=%s actor=%s): %v", action, actor, err)
	}
}
