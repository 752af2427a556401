/*
Package sqlite provides a SQLite-backed implementation of the payroll
storage interfaces.

PURPOSE:
  Implements payroll.Store (workers, payments, audit log) using SQLite.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

DUPLICATE-PAYMENT GUARD:
  The one-pending-payment-per-worker-per-day invariant is enforced
  twice:
  - OpenPayment performs the check and the insert inside one
    transaction, serialized with the store mutex.
  - idx_unique_pending_day is a partial unique index on
    (worker_id, created_day) WHERE status = 'pending' that backstops
    the check at the schema level. A constraint violation is mapped
    back to payroll.DuplicatePendingError.
  created_day is the UTC calendar day of created_at; the guard never
  shifts with server-local time.

ATOMIC CLOSES:
  ClosePaymentSuccess updates the payment row AND the worker's
  last_paid/next_payment_date in the same transaction. A payment is
  never marked successful with the schedule left unadvanced.

AUDIT:
  audit_log is append-only: no UPDATE or DELETE statements exist for
  it. The payment mutations write their audit row in the same
  transaction as the state change.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't
  block, single writer at time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := payroll.NewLedger(store, payroll.SystemClock{})

SEE ALSO:
  - payroll/store.go: Interface definitions and atomicity contract
  - payroll/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

const dayFormat = "2006-01-02"

// Store implements payroll.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: ":memory:" databases are per-connection, and
	// SQLite allows one writer at a time regardless.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		bank_name TEXT NOT NULL,
		account_number TEXT NOT NULL,
		bank_code TEXT NOT NULL,
		salary TEXT NOT NULL,
		frequency TEXT NOT NULL,
		last_paid TEXT,
		next_payment_date TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Sweep hot path: active workers ordered by due date
	CREATE INDEX IF NOT EXISTS idx_workers_due
		ON workers(is_active, next_payment_date);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL REFERENCES workers(id),
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		reference TEXT,
		idempotency_key TEXT UNIQUE,
		approved_by TEXT,
		failure_reason TEXT,
		paid_at TEXT,
		created_at TEXT NOT NULL,
		created_day TEXT NOT NULL
	);

	-- CRITICAL: the duplicate-payment guard. At most one pending
	-- payment per worker per UTC calendar day.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_pending_day
		ON payments(worker_id, created_day)
		WHERE status = 'pending';

	CREATE INDEX IF NOT EXISTS idx_payments_worker
		ON payments(worker_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_payments_status
		ON payments(status);
	CREATE INDEX IF NOT EXISTS idx_payments_created
		ON payments(created_at DESC);

	-- Append-only audit log
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		details TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp
		ON audit_log(timestamp DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// WORKERS
// =============================================================================

const workerColumns = `id, name, email, bank_name, account_number, bank_code,
	salary, frequency, last_paid, next_payment_date, is_active, created_at`

func (s *Store) GetWorker(ctx context.Context, id payroll.WorkerID) (*payroll.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, string(id))
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) SaveWorker(ctx context.Context, w payroll.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			bank_name = excluded.bank_name,
			account_number = excluded.account_number,
			bank_code = excluded.bank_code,
			salary = excluded.salary,
			frequency = excluded.frequency,
			last_paid = excluded.last_paid,
			next_payment_date = excluded.next_payment_date,
			is_active = excluded.is_active`,
		string(w.ID), w.Name, w.Email, w.BankName, w.AccountNumber, w.BankCode,
		w.Salary.String(), string(w.Frequency),
		nullableTime(w.LastPaid), nullableTime(w.NextPaymentDate),
		boolToInt(w.IsActive), w.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) ListWorkers(ctx context.Context, activeOnly bool) ([]payroll.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + workerColumns + ` FROM workers`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (s *Store) ListDueWorkers(ctx context.Context, asOf time.Time) ([]payroll.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE is_active = 1
		  AND (next_payment_date IS NULL OR next_payment_date <= ?)
		  AND id NOT IN (
			SELECT worker_id FROM payments
			WHERE status = 'pending' AND created_day = ?
		  )
		ORDER BY id`,
		asOf.UTC().Format(time.RFC3339Nano),
		payroll.UTCDay(asOf).Format(dayFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, worker_id, amount, status, reference,
	idempotency_key, approved_by, failure_reason, paid_at, created_at`

func (s *Store) OpenPayment(ctx context.Context, rec payroll.PaymentRecord, audit payroll.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	day := payroll.UTCDay(rec.CreatedAt).Format(dayFormat)

	// Check-then-insert inside the transaction; the partial unique
	// index backstops the race at the schema level.
	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM payments
		WHERE worker_id = ? AND status = 'pending' AND created_day = ?`,
		string(rec.WorkerID), day).Scan(&existingID)
	switch {
	case err == nil:
		return &payroll.DuplicatePendingError{
			WorkerID:   rec.WorkerID,
			ExistingID: payroll.PaymentID(existingID),
		}
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`, created_day)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), string(rec.WorkerID), rec.Amount.String(), string(rec.Status),
		rec.Reference, rec.IdempotencyKey, rec.ApprovedBy, rec.FailureReason,
		nullableTime(rec.PaidAt), rec.CreatedAt.UTC().Format(time.RFC3339Nano), day)
	if err != nil {
		if isPendingDayViolation(err) {
			return &payroll.DuplicatePendingError{WorkerID: rec.WorkerID}
		}
		return err
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ClosePaymentSuccess(ctx context.Context, id payroll.PaymentID, reference string, paidAt, nextDue time.Time, audit payroll.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	workerID, err := pendingWorker(ctx, tx, id)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET status = ?, reference = ?, paid_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(payroll.StatusSuccess), reference,
		paidAt.UTC().Format(time.RFC3339Nano), string(id))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE workers SET last_paid = ?, next_payment_date = ?
		WHERE id = ?`,
		paidAt.UTC().Format(time.RFC3339Nano),
		nextDue.UTC().Format(time.RFC3339Nano), workerID)
	if err != nil {
		return err
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ClosePaymentFailed(ctx context.Context, id payroll.PaymentID, reason string, audit payroll.AuditEntry) error {
	return s.closeTerminal(ctx, id, payroll.StatusFailed, reason, audit)
}

func (s *Store) CancelPayment(ctx context.Context, id payroll.PaymentID, audit payroll.AuditEntry) error {
	return s.closeTerminal(ctx, id, payroll.StatusCancelled, "", audit)
}

func (s *Store) closeTerminal(ctx context.Context, id payroll.PaymentID, status payroll.PaymentStatus, reason string, audit payroll.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := pendingWorker(ctx, tx, id); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET status = ?, failure_reason = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), reason, string(id))
	if err != nil {
		return err
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit()
}

// pendingWorker verifies the record exists and is still pending,
// returning its worker id. Runs inside the caller's transaction.
func pendingWorker(ctx context.Context, tx *sql.Tx, id payroll.PaymentID) (string, error) {
	var workerID, status string
	err := tx.QueryRowContext(ctx,
		`SELECT worker_id, status FROM payments WHERE id = ?`, string(id)).
		Scan(&workerID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", payroll.ErrPaymentNotFound
	}
	if err != nil {
		return "", err
	}
	if payroll.PaymentStatus(status) != payroll.StatusPending {
		return "", payroll.ErrAlreadyTerminal
	}
	return workerID, nil
}

func (s *Store) GetPayment(ctx context.Context, id payroll.PaymentID) (*payroll.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, string(id))
	rec, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) ListPayments(ctx context.Context, filter payroll.PaymentFilter) ([]payroll.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1=1`
	var args []any

	if filter.WorkerID != nil {
		query += ` AND worker_id = ?`
		args = append(args, string(*filter.WorkerID))
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.From != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		query += ` AND created_at <= ?`
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) CountPayments(ctx context.Context, status payroll.PaymentStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

func (s *Store) LastSuccessfulPayment(ctx context.Context) (*payroll.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'success' AND paid_at IS NOT NULL
		ORDER BY paid_at DESC LIMIT 1`)
	rec, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry payroll.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, details, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.ActorID, string(entry.Action), entry.Details,
		entry.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry payroll.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, details, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.ActorID, string(entry.Action), entry.Details,
		entry.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]payroll.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, details, timestamp
		FROM audit_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payroll.AuditEntry
	for rows.Next() {
		var e payroll.AuditEntry
		var action, ts string
		if err := rows.Scan(&e.ID, &e.ActorID, &action, &e.Details, &ts); err != nil {
			return nil, err
		}
		e.Action = payroll.AuditAction(action)
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		e.Timestamp = t
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

type scannable interface {
	Scan(dest ...any) error
}

func scanWorker(row scannable) (*payroll.Worker, error) {
	var w payroll.Worker
	var id, salary, frequency, createdAt string
	var email, lastPaid, nextPayment sql.NullString
	var isActive int

	err := row.Scan(&id, &w.Name, &email, &w.BankName, &w.AccountNumber,
		&w.BankCode, &salary, &frequency, &lastPaid, &nextPayment,
		&isActive, &createdAt)
	if err != nil {
		return nil, err
	}

	w.ID = payroll.WorkerID(id)
	w.Email = email.String
	w.Frequency = payroll.Frequency(frequency)
	w.IsActive = isActive != 0

	w.Salary, err = decimal.NewFromString(salary)
	if err != nil {
		return nil, fmt.Errorf("parse salary for worker %s: %w", id, err)
	}
	if w.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for worker %s: %w", id, err)
	}
	if w.LastPaid, err = parseNullTime(lastPaid); err != nil {
		return nil, fmt.Errorf("parse last_paid for worker %s: %w", id, err)
	}
	if w.NextPaymentDate, err = parseNullTime(nextPayment); err != nil {
		return nil, fmt.Errorf("parse next_payment_date for worker %s: %w", id, err)
	}
	return &w, nil
}

func scanWorkers(rows *sql.Rows) ([]payroll.Worker, error) {
	var out []payroll.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanPayment(row scannable) (*payroll.PaymentRecord, error) {
	var rec payroll.PaymentRecord
	var id, workerID, amount, status, createdAt string
	var reference, idempotency, approvedBy, failureReason, paidAt sql.NullString

	err := row.Scan(&id, &workerID, &amount, &status, &reference,
		&idempotency, &approvedBy, &failureReason, &paidAt, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.ID = payroll.PaymentID(id)
	rec.WorkerID = payroll.WorkerID(workerID)
	rec.Status = payroll.PaymentStatus(status)
	rec.Reference = reference.String
	rec.IdempotencyKey = idempotency.String
	rec.ApprovedBy = approvedBy.String
	rec.FailureReason = failureReason.String

	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount for payment %s: %w", id, err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for payment %s: %w", id, err)
	}
	if rec.PaidAt, err = parseNullTime(paidAt); err != nil {
		return nil, fmt.Errorf("parse paid_at for payment %s: %w", id, err)
	}
	return &rec, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// isPendingDayViolation reports whether err is a hit on the
// duplicate-pending guard index specifically. Other unique violations
// (primary key, idempotency key) must surface as plain errors, not as
// a guard rejection the caller would treat as already-admitted.
func isPendingDayViolation(err error) bool {
	if !isUniqueViolation(err) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "idx_unique_pending_day") ||
		strings.Contains(msg, "payments.worker_id, payments.created_day")
}

var _ payroll.Store = (*Store)(nil)
