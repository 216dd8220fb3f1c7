package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAppointmentNotFound is returned when the appointment does not exist.
var ErrAppointmentNotFound = errors.New("appointments: not found")

// ErrSlotTaken signals that the (shop, start time) slot is already booked.
// The unique constraint on appointments(shop_id, start_at) is the final
// backstop behind every booking path.
var ErrSlotTaken = errors.New("appointments: slot taken")

// Querier is the subset of pgx used inside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB abstracts the pgx pool interface for testing.
type DB interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store provides persistence for appointments and policy snapshots.
type Store struct {
	db DB
}

// NewStore creates an appointment store.
func NewStore(db DB) *Store {
	if db == nil {
		panic("appointments: db required")
	}
	return &Store{db: db}
}

// DB exposes the underlying pool so engines can open transactions.
func (s *Store) DB() DB {
	return s.db
}

const appointmentColumns = `id, shop_id, customer_id, start_at, end_at, status, payment_required,
	payment_status, financial_outcome, resolved_at, resolution_reason, cancellation_source,
	last_audit_event_id, policy_snapshot_id, slot_opening_id, created_at, updated_at`

// CreatePolicySnapshot persists an immutable policy copy. There is no
// update path for snapshots on purpose.
func (s *Store) CreatePolicySnapshot(ctx context.Context, q Querier, snap *PolicySnapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	snap.CreatedAt = time.Now().UTC()
	_, err := q.Exec(ctx, `
		INSERT INTO policy_snapshots (id, shop_id, currency, payment_mode, deposit_amount_cents, cancel_cutoff_minutes, refund_before_cutoff, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, snap.ShopID, snap.Currency, snap.PaymentMode,
		snap.DepositAmountCents, snap.CancelCutoffMinutes, snap.RefundBeforeCutoff, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appointments: create policy snapshot: %w", err)
	}
	return nil
}

// GetPolicySnapshot loads the snapshot referenced by an appointment.
func (s *Store) GetPolicySnapshot(ctx context.Context, id uuid.UUID) (*PolicySnapshot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, shop_id, currency, payment_mode, deposit_amount_cents, cancel_cutoff_minutes, refund_before_cutoff, created_at
		FROM policy_snapshots
		WHERE id = $1`, id)
	var snap PolicySnapshot
	if err := row.Scan(
		&snap.ID, &snap.ShopID, &snap.Currency, &snap.PaymentMode,
		&snap.DepositAmountCents, &snap.CancelCutoffMinutes, &snap.RefundBeforeCutoff, &snap.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("appointments: policy snapshot %s: %w", id, ErrAppointmentNotFound)
		}
		return nil, fmt.Errorf("appointments: load policy snapshot: %w", err)
	}
	return &snap, nil
}

// Insert persists a new appointment row. A unique violation on
// (shop_id, start_at) is translated to ErrSlotTaken.
func (s *Store) Insert(ctx context.Context, q Querier, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.PaymentStatus == "" {
		a.PaymentStatus = PaymentUnpaid
	}
	if a.FinancialOutcome == "" {
		a.FinancialOutcome = OutcomeUnresolved
	}

	_, err := q.Exec(ctx, `
		INSERT INTO appointments (id, shop_id, customer_id, start_at, end_at, status, payment_required, payment_status, financial_outcome, policy_snapshot_id, slot_opening_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.ShopID, a.CustomerID, a.StartAt, a.EndAt, string(a.Status),
		a.PaymentRequired, string(a.PaymentStatus), string(a.FinancialOutcome),
		a.PolicySnapshotID, a.SlotOpeningID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSlotTaken
		}
		return fmt.Errorf("appointments: insert: %w", err)
	}
	return nil
}

// GetByID fetches one appointment.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1`, id)
	return scanAppointment(row)
}

// ListEndedUnresolved returns resolver candidates: booked appointments past
// their end time plus the per-shop grace period whose outcome is unresolved.
// Cancelled appointments are deliberately excluded so the resolver can never
// overwrite an outcome assigned by the cancellation engine.
func (s *Store) ListEndedUnresolved(ctx context.Context, defaultGraceMinutes int, limit int) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+prefixedAppointmentColumns("a")+`
		FROM appointments a
		LEFT JOIN shop_settings s ON s.shop_id = a.shop_id
		WHERE a.financial_outcome = 'unresolved'
		  AND a.status = 'booked'
		  AND a.end_at <= now() - make_interval(mins => COALESCE(s.resolver_grace_minutes, $1))
		ORDER BY a.end_at ASC
		LIMIT $2`, defaultGraceMinutes, limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list ended unresolved: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ListCancelledUnresolved returns orphaned cancellations that never received
// an outcome, e.g. from a crash mid-cancellation.
func (s *Store) ListCancelledUnresolved(ctx context.Context, limit int) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'cancelled' AND financial_outcome = 'unresolved'
		ORDER BY end_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list cancelled unresolved: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ResolveEnded commits a terminal outcome for a booked appointment and marks
// it ended. The WHERE clause on id + unresolved outcome + booked status is
// the exactly-once guard; zero rows affected means another process got there
// first and the caller must treat the candidate as skipped.
func (s *Store) ResolveEnded(ctx context.Context, q Querier, id uuid.UUID, outcome Outcome, reason Reason, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE appointments
		SET status = 'ended', financial_outcome = $1, resolution_reason = $2, resolved_at = $3, updated_at = $3
		WHERE id = $4 AND financial_outcome = 'unresolved' AND status = 'booked'`,
		string(outcome), string(reason), at, id)
	if err != nil {
		return false, fmt.Errorf("appointments: resolve ended: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResolveCancelled backfills a terminal outcome on an orphaned cancellation.
func (s *Store) ResolveCancelled(ctx context.Context, q Querier, id uuid.UUID, outcome Outcome, reason Reason, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE appointments
		SET financial_outcome = $1, resolution_reason = $2, resolved_at = $3, updated_at = $3
		WHERE id = $4 AND financial_outcome = 'unresolved' AND status = 'cancelled'`,
		string(outcome), string(reason), at, id)
	if err != nil {
		return false, fmt.Errorf("appointments: resolve cancelled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelBooked transitions booked -> cancelled with a terminal outcome in a
// single conditional write.
func (s *Store) CancelBooked(ctx context.Context, q Querier, id uuid.UUID, outcome Outcome, reason Reason, source CancellationSource, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled', financial_outcome = $1, resolution_reason = $2, cancellation_source = $3, resolved_at = $4, updated_at = $4
		WHERE id = $5 AND financial_outcome = 'unresolved' AND status = 'booked'`,
		string(outcome), string(reason), string(source), at, id)
	if err != nil {
		return false, fmt.Errorf("appointments: cancel booked: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDepositPaid confirms a pending appointment once its deposit captures.
func (s *Store) MarkDepositPaid(ctx context.Context, q Querier, id uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE appointments
		SET status = 'booked', payment_status = 'paid', updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("appointments: mark deposit paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDepositFailed records a failed deposit attempt on a pending appointment.
func (s *Store) MarkDepositFailed(ctx context.Context, q Querier, id uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE appointments
		SET payment_status = 'failed', updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("appointments: mark deposit failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetLastAuditEvent back-links the most recent audit event.
func (s *Store) SetLastAuditEvent(ctx context.Context, q Querier, id uuid.UUID, eventID uuid.UUID) error {
	_, err := q.Exec(ctx, `
		UPDATE appointments SET last_audit_event_id = $1, updated_at = now() WHERE id = $2`,
		eventID, id)
	if err != nil {
		return fmt.Errorf("appointments: set last audit event: %w", err)
	}
	return nil
}

func prefixedAppointmentColumns(alias string) string {
	return alias + `.id, ` + alias + `.shop_id, ` + alias + `.customer_id, ` + alias + `.start_at, ` + alias + `.end_at, ` +
		alias + `.status, ` + alias + `.payment_required, ` + alias + `.payment_status, ` + alias + `.financial_outcome, ` +
		alias + `.resolved_at, ` + alias + `.resolution_reason, ` + alias + `.cancellation_source, ` +
		alias + `.last_audit_event_id, ` + alias + `.policy_snapshot_id, ` + alias + `.slot_opening_id, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status, paymentStatus, outcome string
	var reason, source *string
	if err := row.Scan(
		&a.ID, &a.ShopID, &a.CustomerID, &a.StartAt, &a.EndAt,
		&status, &a.PaymentRequired, &paymentStatus, &outcome,
		&a.ResolvedAt, &reason, &source,
		&a.LastAuditEventID, &a.PolicySnapshotID, &a.SlotOpeningID,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("appointments: scan: %w", err)
	}
	a.Status = Status(status)
	a.PaymentStatus = PaymentStatus(paymentStatus)
	a.FinancialOutcome = Outcome(outcome)
	if reason != nil {
		r := Reason(*reason)
		a.ResolutionReason = &r
	}
	if source != nil {
		a.CancellationSource = CancellationSource(*source)
	}
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}
