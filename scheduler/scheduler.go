/*
Package scheduler fires time-triggered payroll jobs.

PURPOSE:
  Maintains a registry of jobs - one recurring daily sweep plus one-shot
  per-worker payment jobs - and drives each through
  scheduled -> firing -> (rescheduled | completed). Job bodies invoke
  the Ledger and Orchestrator; the scheduler itself never touches the
  store directly.

DESIGN:
  - Each registered job owns a timer goroutine; the registry maps job
    id to its handle for cancellation and status display.
  - The daily sweep fire time comes from a robfig/cron schedule
    ("0 H * * *"); overlapping fires are skipped via an in-flight flag,
    and a fire arriving later than the grace window (5 minutes) is
    skipped for that day rather than run at the wrong time.
  - Per-worker processing inside a sweep runs with bounded parallelism
    (semaphore). One worker's failure never aborts the rest of the
    batch.
  - A job body panic is recovered, audit-logged as scheduling_error,
    and leaves the recurring schedule intact.

CANCELLATION:
  Cancel removes a not-yet-fired job. A job already mid-execution runs
  to completion; Stop() stops new fires and waits for in-flight runs.

SEE ALSO:
  - payroll/ledger.go: Admission and closing logic jobs converge on
  - payroll/orchestrator.go: Transfer execution
*/
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// JOB MODEL
// =============================================================================

type JobKind string

const (
	KindDailySweep    JobKind = "daily_sweep"
	KindWorkerPayment JobKind = "worker_payment"
)

// SweepJobID is the fixed id of the recurring daily sweep job.
const SweepJobID = "daily_sweep"

type jobState string

const (
	stateScheduled jobState = "scheduled"
	stateFiring    jobState = "firing"
)

// job is the internal handle for one registered job.
type job struct {
	id       string
	kind     JobKind
	workerID payroll.WorkerID // worker_payment only
	schedule cron.Schedule    // daily_sweep only
	fireAt   time.Time        // worker_payment only

	mu       sync.Mutex
	state    jobState
	nextFire time.Time
	lastFire time.Time

	stopped chan struct{}
	once    sync.Once
}

func (j *job) stop() {
	j.once.Do(func() { close(j.stopped) })
}

func (j *job) setState(s jobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *job) setNextFire(t time.Time) {
	j.mu.Lock()
	j.nextFire = t
	j.mu.Unlock()
}

func (j *job) markFired(t time.Time) {
	j.mu.Lock()
	j.lastFire = t
	j.state = stateFiring
	j.mu.Unlock()
}

// JobInfo is the externally visible snapshot of a registered job.
type JobInfo struct {
	ID       string
	Kind     JobKind
	WorkerID payroll.WorkerID
	State    string
	NextFire time.Time
	LastFire time.Time
}

// =============================================================================
// SCHEDULER
// =============================================================================

// DefaultGraceWindow bounds how late a fire may start and still run.
const DefaultGraceWindow = 5 * time.Minute

// DefaultSweepWorkers bounds concurrent per-worker processing in a sweep.
const DefaultSweepWorkers = 4

type Scheduler struct {
	ledger       *payroll.Ledger
	orchestrator *payroll.Orchestrator
	audit        *payroll.Recorder
	clock        payroll.Clock

	GraceWindow  time.Duration
	SweepWorkers int64

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	sweepInFlight atomic.Bool
}

func New(ledger *payroll.Ledger, orchestrator *payroll.Orchestrator, audit *payroll.Recorder, clock payroll.Clock) *Scheduler {
	if clock == nil {
		clock = payroll.SystemClock{}
	}
	return &Scheduler{
		ledger:       ledger,
		orchestrator: orchestrator,
		audit:        audit,
		clock:        clock,
		GraceWindow:  DefaultGraceWindow,
		SweepWorkers: DefaultSweepWorkers,
		jobs:         make(map[string]*job),
		stop:         make(chan struct{}),
	}
}

// Start enables job firing. Jobs registered before Start begin their
// timer loops now; jobs registered after begin immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	for _, j := range s.jobs {
		s.launchLocked(j)
	}
	log.Infof("payment scheduler started (%d jobs)", len(s.jobs))
}

// Stop stops accepting new fires and waits for in-flight job bodies to
// reach a terminal state, so no record is abandoned mid-pipeline.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	log.Info("payment scheduler stopped")
}

// Running reports whether the scheduler is accepting fires.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// =============================================================================
// REGISTRATION
// =============================================================================

// StartDailySweep registers the recurring sweep at the given hour
// (0-23, fires at minute 0). Re-registering replaces the previous sweep
// schedule.
func (s *Scheduler) StartDailySweep(hourOfDay int) (string, error) {
	if hourOfDay < 0 || hourOfDay > 23 {
		return "", fmt.Errorf("invalid sweep hour %d", hourOfDay)
	}
	schedule, err := cron.ParseStandard(fmt.Sprintf("0 %d * * *", hourOfDay))
	if err != nil {
		return "", fmt.Errorf("parse sweep schedule: %w", err)
	}

	j := &job{
		id:       SweepJobID,
		kind:     KindDailySweep,
		schedule: schedule,
		state:    stateScheduled,
		stopped:  make(chan struct{}),
	}

	s.register(j)
	log.Infof("daily sweep scheduled at %02d:00 UTC", hourOfDay)
	return j.id, nil
}

// ScheduleWorkerPayment registers a one-shot payment job for the worker
// at the given time. The job removes itself after firing regardless of
// outcome; a failed payment leaves the worker due for the next sweep.
func (s *Scheduler) ScheduleWorkerPayment(workerID payroll.WorkerID, when time.Time) string {
	j := &job{
		id:       fmt.Sprintf("worker_payment_%s_%d", workerID, when.Unix()),
		kind:     KindWorkerPayment,
		workerID: workerID,
		fireAt:   when,
		state:    stateScheduled,
		nextFire: when,
		stopped:  make(chan struct{}),
	}

	s.register(j)
	s.audit.Record(context.Background(), payroll.ActorSystem, payroll.AuditJobScheduled,
		fmt.Sprintf("Scheduled payment job %s for %s", j.id, when.Format(time.RFC3339)))
	return j.id
}

// register adds (or replaces) a job and launches it when running.
func (s *Scheduler) register(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[j.id]; ok {
		old.stop()
	}
	s.jobs[j.id] = j
	if s.running {
		s.launchLocked(j)
	}
}

func (s *Scheduler) launchLocked(j *job) {
	s.wg.Add(1)
	switch j.kind {
	case KindDailySweep:
		go s.runRecurring(j)
	default:
		go s.runOneShot(j)
	}
}

// Cancel removes a not-yet-fired job. Idempotent; returns false when the
// job no longer exists. A job mid-execution is unaffected.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if ok {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	j.stop()
	s.audit.Record(context.Background(), payroll.ActorSystem, payroll.AuditJobCancelled,
		fmt.Sprintf("Cancelled job %s", jobID))
	return true
}

// remove drops j from the registry. Identity-compared: when j was
// replaced by a re-registration, the entry belongs to its replacement
// and must survive j's teardown.
func (s *Scheduler) remove(j *job) {
	s.mu.Lock()
	if s.jobs[j.id] == j {
		delete(s.jobs, j.id)
	}
	s.mu.Unlock()
}

// RescheduleAll re-registers one-shot jobs for every active worker whose
// next payment date is still in the future. Workers already overdue are
// left to the next sweep: their due moment has passed, so there is no
// precise time to schedule them at. Returns the number scheduled.
func (s *Scheduler) RescheduleAll(ctx context.Context) (int, error) {
	workers, err := s.ledger.ActiveWorkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active workers: %w", err)
	}

	now := s.clock.Now()
	scheduled := 0
	for _, w := range workers {
		if w.NextPaymentDate == nil || !w.NextPaymentDate.After(now) {
			continue
		}
		s.ScheduleWorkerPayment(w.ID, *w.NextPaymentDate)
		scheduled++
	}

	log.Infof("rescheduled payment jobs for %d of %d active workers", scheduled, len(workers))
	return scheduled, nil
}

// =============================================================================
// JOB LOOPS
// =============================================================================

func (s *Scheduler) runRecurring(j *job) {
	defer s.wg.Done()

	for {
		now := s.clock.Now()
		next := j.schedule.Next(now)
		j.setState(stateScheduled)
		j.setNextFire(next)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			switch classifyFire(s.clock.Now(), next, s.GraceWindow, s.sweepInFlight.Load()) {
			case fireSkipLate:
				log.Warnf("sweep fire at %s missed grace window, skipping", next.Format(time.RFC3339))
				continue
			case fireSkipOverlap:
				log.Warn("previous sweep still running, skipping this fire")
				continue
			}
			if !s.sweepInFlight.CompareAndSwap(false, true) {
				continue
			}
			j.markFired(s.clock.Now())
			s.guarded(j.id, func(ctx context.Context) {
				s.Sweep(ctx)
			})
			s.sweepInFlight.Store(false)
		case <-j.stopped:
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) runOneShot(j *job) {
	defer s.wg.Done()
	defer s.remove(j)

	delay := j.fireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
		j.markFired(s.clock.Now())
		s.guarded(j.id, func(ctx context.Context) {
			s.ProcessWorkerPayment(ctx, j.workerID)
		})
	case <-j.stopped:
		timer.Stop()
	case <-s.stop:
		timer.Stop()
	}
}

// fireDecision is the outcome of classifying a recurring fire that has
// just come due.
type fireDecision int

const (
	fireRun fireDecision = iota
	fireSkipLate
	fireSkipOverlap
)

// classifyFire decides whether a recurring fire runs or is skipped.
// A fire later than the grace window is skipped for that occurrence; a
// fire while the previous run is still in flight coalesces into it.
// Lateness wins over overlap so a stalled run never masks a misfire.
func classifyFire(now, scheduled time.Time, grace time.Duration, inFlight bool) fireDecision {
	if now.Sub(scheduled) > grace {
		return fireSkipLate
	}
	if inFlight {
		return fireSkipOverlap
	}
	return fireRun
}

// guarded runs a job body, converting a panic into a scheduling_error
// audit entry instead of crashing the scheduler process.
func (s *Scheduler) guarded(jobID string, body func(ctx context.Context)) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("job %s panicked: %v", jobID, r)
			s.audit.Record(ctx, payroll.ActorSystem, payroll.AuditSchedulingError,
				fmt.Sprintf("Job %s panicked: %v", jobID, r))
		}
	}()
	body(ctx)
}

// =============================================================================
// JOB BODIES
// =============================================================================

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Due       int
	Succeeded int
	Failed    int
	Skipped   int
}

// Sweep is the daily job body: list due workers and run the full
// open -> execute -> close sequence for each, with bounded parallelism.
// Also callable directly from the operational API.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	now := s.clock.Now()
	log.Infof("sweep starting at %s", now.Format(time.RFC3339))

	due, err := s.ledger.ListDue(ctx, now)
	if err != nil {
		log.Errorf("sweep: listing due workers: %v", err)
		s.audit.Record(ctx, payroll.ActorSystem, payroll.AuditSchedulingError,
			fmt.Sprintf("Sweep failed to list due workers: %v", err))
		return SweepResult{}
	}

	var (
		result = SweepResult{Due: len(due)}
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = semaphore.NewWeighted(s.SweepWorkers)
	)

	for _, w := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(w payroll.Worker) {
			defer wg.Done()
			defer sem.Release(1)

			outcome := s.processWorker(ctx, w)
			mu.Lock()
			switch outcome {
			case workerSucceeded:
				result.Succeeded++
			case workerFailed:
				result.Failed++
			default:
				result.Skipped++
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	s.audit.Record(ctx, payroll.ActorSystem, payroll.AuditSweepCompleted,
		fmt.Sprintf("Sweep completed: %d due, %d succeeded, %d failed, %d skipped",
			result.Due, result.Succeeded, result.Failed, result.Skipped))
	log.Infof("sweep completed: %d due, %d succeeded, %d failed, %d skipped",
		result.Due, result.Succeeded, result.Failed, result.Skipped)
	return result
}

type workerOutcome int

const (
	workerSkipped workerOutcome = iota
	workerSucceeded
	workerFailed
)

// processWorker runs the payment sequence for one worker. Panics are
// contained here so one worker cannot abort the batch.
func (s *Scheduler) processWorker(ctx context.Context, w payroll.Worker) (outcome workerOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("sweep: processing worker %s panicked: %v", w.ID, r)
			s.audit.Record(ctx, payroll.ActorSystem, payroll.AuditSchedulingError,
				fmt.Sprintf("Processing worker %s panicked: %v", w.ID, r))
			outcome = workerFailed
		}
	}()

	rec, err := s.ledger.OpenPayment(ctx, w.ID, nil, "")
	if err != nil {
		// Admission errors silently skip the worker; the sweep moves on.
		if payroll.IsAdmissionError(err) {
			log.Debugf("sweep: skipping worker %s: %v", w.ID, err)
			return workerSkipped
		}
		log.Errorf("sweep: opening payment for worker %s: %v", w.ID, err)
		s.audit.Record(ctx, payroll.ActorSystem, payroll.AuditSchedulingError,
			fmt.Sprintf("Opening payment for worker %s failed: %v", w.ID, err))
		return workerFailed
	}

	return s.executeAndClose(ctx, w, rec)
}

// ProcessWorkerPayment is the one-shot job body: pay a single worker
// now. Also used when an operator triggers an individual worker.
func (s *Scheduler) ProcessWorkerPayment(ctx context.Context, workerID payroll.WorkerID) {
	worker, err := s.ledger.Worker(ctx, workerID)
	if err != nil {
		log.Errorf("scheduled payment: loading worker %s: %v", workerID, err)
		s.audit.Record(ctx, payroll.ActorSystem, payroll.AuditSchedulingError,
			fmt.Sprintf("Scheduled payment for worker %s failed: %v", workerID, err))
		return
	}

	rec, err := s.ledger.OpenPayment(ctx, workerID, nil, "")
	if err != nil {
		if payroll.IsAdmissionError(err) {
			log.Infof("scheduled payment for worker %s skipped: %v", workerID, err)
			return
		}
		log.Errorf("scheduled payment: opening payment for worker %s: %v", workerID, err)
		s.audit.Record(ctx, payroll.ActorSystem, payroll.AuditSchedulingError,
			fmt.Sprintf("Opening scheduled payment for worker %s failed: %v", workerID, err))
		return
	}

	s.executeAndClose(ctx, *worker, rec)
}

// executeAndClose runs the transfer and closes the record with the
// outcome. Transfer failures always terminate in a closed failed record,
// never a dangling pending one.
func (s *Scheduler) executeAndClose(ctx context.Context, w payroll.Worker, rec *payroll.PaymentRecord) workerOutcome {
	outcome := s.orchestrator.Execute(ctx, w, rec.Amount)
	if outcome.Success {
		if err := s.ledger.ClosePaymentSuccess(ctx, rec.ID, outcome.Reference, s.clock.Now()); err != nil {
			log.Errorf("closing payment %s as success: %v", rec.ID, err)
			s.audit.Record(ctx, payroll.ActorSystem, payroll.AuditSchedulingError,
				fmt.Sprintf("Closing payment %s as success failed: %v", rec.ID, err))
			return workerFailed
		}
		log.Infof("payment %s to %s succeeded (ref: %s)", rec.ID, w.Name, outcome.Reference)
		return workerSucceeded
	}

	if err := s.ledger.ClosePaymentFailed(ctx, rec.ID, outcome.FailureReason); err != nil {
		log.Errorf("closing payment %s as failed: %v", rec.ID, err)
		s.audit.Record(ctx, payroll.ActorSystem, payroll.AuditSchedulingError,
			fmt.Sprintf("Closing payment %s as failed failed: %v", rec.ID, err))
	}
	log.Warnf("payment %s to %s failed: %s", rec.ID, w.Name, outcome.FailureReason)
	return workerFailed
}

// =============================================================================
// STATUS
// =============================================================================

// Status is the operational snapshot exposed by the API.
type Status struct {
	Running         bool
	JobCount        int
	Jobs            []JobInfo
	WorkersDue      int
	PendingPayments int
}

func (s *Scheduler) Snapshot(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	st := &Status{Running: s.running, JobCount: len(s.jobs)}
	for _, j := range s.jobs {
		j.mu.Lock()
		st.Jobs = append(st.Jobs, JobInfo{
			ID:       j.id,
			Kind:     j.kind,
			WorkerID: j.workerID,
			State:    string(j.state),
			NextFire: j.nextFire,
			LastFire: j.lastFire,
		})
		j.mu.Unlock()
	}
	s.mu.Unlock()

	stats, err := s.ledger.ComputeStats(ctx)
	if err != nil {
		return nil, err
	}
	st.WorkersDue = stats.WorkersDue
	st.PendingPayments = stats.PendingPayments
	return st, nil
}
