package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Event types appended by the engines.
const (
	TypeOutcomeResolved       = "outcome_resolved"
	TypeOutcomeBackfilled     = "outcome_backfilled"
	TypeAppointmentCancelled  = "appointment_cancelled"
	TypeDepositPaid           = "deposit_paid"
	TypeDepositFailed         = "deposit_failed"
	TypeSlotOpeningCreated    = "slot_opening_created"
	TypeSlotRebooked          = "slot_rebooked"
)

// Payload is the structured body attached to every audit event.
type Payload struct {
	PolicySnapshotID *uuid.UUID `json:"policy_snapshot_id,omitempty"`
	PaymentID        *uuid.UUID `json:"payment_id,omitempty"`
	PaymentStatus    string     `json:"payment_status,omitempty"`
	Outcome          string     `json:"outcome,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	RefundID         string     `json:"refund_id,omitempty"`
	Backfill         bool       `json:"backfill,omitempty"`
}

// Event is one immutable entry in the per-appointment audit trail.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Querier is the subset of pgx the store needs, satisfied by pools and
// transactions alike.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the append-only audit event log. Events are unique per
// (appointment, type, timestamp) so a retried writer cannot duplicate one.
type Store struct {
	db Querier
}

// NewStore creates an audit store.
func NewStore(db Querier) *Store {
	if db == nil {
		panic("audit: db required")
	}
	return &Store{db: db}
}

// Append inserts one event inside the caller's transaction. It returns the
// event id and whether a row was actually written; a duplicate
// (appointment, type, timestamp) insert is a no-op.
func (s *Store) Append(ctx context.Context, q Querier, appointmentID uuid.UUID, eventType string, payload Payload, at time.Time) (uuid.UUID, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("audit: marshal payload: %w", err)
	}
	id := uuid.New()
	tag, err := q.Exec(ctx, `
		INSERT INTO audit_events (id, appointment_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (appointment_id, event_type, created_at) DO NOTHING`,
		id, appointmentID, eventType, body, at)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("audit: append: %w", err)
	}
	return id, tag.RowsAffected() == 1, nil
}

// ListForAppointment returns the trail for one appointment, oldest first.
func (s *Store) ListForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, appointment_id, event_type, payload, created_at
		FROM audit_events
		WHERE appointment_id = $1
		ORDER BY created_at ASC`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Payload = append([]byte(nil), payload...)
		events = append(events, e)
	}
	return events, rows.Err()
}
