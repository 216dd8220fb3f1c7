package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
)

// ErrPaymentNotFound is returned when no payment exists for the lookup key.
var ErrPaymentNotFound = errors.New("payments: not found")

// Querier aliases the shared pgx subset so the store can participate in
// booking transactions.
type Querier = appointments.Querier

// Payment is the one-to-one financial record for an appointment. At most
// one refund id may ever be set, and the refunded amount never exceeds the
// captured amount; both invariants are enforced by the conditional writes
// below.
type Payment struct {
	ID                  uuid.UUID  `json:"id"`
	AppointmentID       uuid.UUID  `json:"appointment_id"`
	ShopID              uuid.UUID  `json:"shop_id"`
	AmountCents         int64      `json:"amount_cents"`
	Currency            string     `json:"currency"`
	Status              string     `json:"status"`
	ProviderRef         *string    `json:"provider_ref,omitempty"`
	RefundID            *string    `json:"refund_id,omitempty"`
	RefundedAmountCents int64      `json:"refunded_amount_cents"`
	RefundedAt          *time.Time `json:"refunded_at,omitempty"`
	Attempts            int        `json:"attempts"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Captured reports whether the gateway captured this payment.
func (p *Payment) Captured() bool {
	return p.Status == "succeeded" || p.Status == "refunded"
}

// Store persists payments.
type Store struct {
	db appointments.DB
}

// NewStore creates a payment store.
func NewStore(db appointments.DB) *Store {
	if db == nil {
		panic("payments: db required")
	}
	return &Store{db: db}
}

const paymentColumns = `id, appointment_id, shop_id, amount_cents, currency, status, provider_ref,
	refund_id, refunded_amount_cents, refunded_at, attempts, created_at, updated_at`

// CreateIntent persists a payment intent in pending status inside the
// booking transaction. Implements appointments.PaymentIntentCreator.
func (s *Store) CreateIntent(ctx context.Context, q Querier, appointmentID, shopID uuid.UUID, amountCents int64, currency string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := q.Exec(ctx, `
		INSERT INTO payments (id, appointment_id, shop_id, amount_cents, currency, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')`,
		id, appointmentID, shopID, amountCents, currency)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payments: insert intent: %w", err)
	}
	return id, nil
}

// GetByID fetches a payment by our identifier.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// GetByAppointment fetches the payment attached to an appointment.
func (s *Store) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	return s.GetByAppointmentTx(ctx, s.db, appointmentID)
}

// GetByAppointmentTx is GetByAppointment inside the caller's transaction, so
// the read is consistent with any pending writes in the same tx.
func (s *Store) GetByAppointmentTx(ctx context.Context, q Querier, appointmentID uuid.UUID) (*Payment, error) {
	row := q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE appointment_id = $1`, appointmentID)
	return scanPayment(row)
}

// GetByProviderRef fetches a payment by the gateway's payment id.
func (s *Store) GetByProviderRef(ctx context.Context, providerRef string) (*Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1`, providerRef)
	return scanPayment(row)
}

// MarkCaptured records a successful capture reported by the gateway.
func (s *Store) MarkCaptured(ctx context.Context, q Querier, id uuid.UUID, providerRef string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE payments
		SET status = 'succeeded', provider_ref = $1, updated_at = now()
		WHERE id = $2 AND status IN ('pending', 'failed')`,
		providerRef, id)
	if err != nil {
		return false, fmt.Errorf("payments: mark captured: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed records a failed or cancelled capture attempt.
func (s *Store) MarkFailed(ctx context.Context, q Querier, id uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE payments
		SET status = 'failed', attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("payments: mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordRefund writes the refund id, amount, and timestamp exactly once.
// The refund_id IS NULL guard keeps a second refund id from ever landing,
// and the amount check keeps the refunded total within the captured total.
func (s *Store) RecordRefund(ctx context.Context, q Querier, id uuid.UUID, refundID string, amountCents int64, at time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE payments
		SET status = 'refunded', refund_id = $1, refunded_amount_cents = $2, refunded_at = $3, updated_at = $3
		WHERE id = $4 AND refund_id IS NULL AND $2 <= amount_cents`,
		refundID, amountCents, at, id)
	if err != nil {
		return false, fmt.Errorf("payments: record refund: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	if err := row.Scan(
		&p.ID, &p.AppointmentID, &p.ShopID, &p.AmountCents, &p.Currency,
		&p.Status, &p.ProviderRef, &p.RefundID, &p.RefundedAmountCents,
		&p.RefundedAt, &p.Attempts, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("payments: scan: %w", err)
	}
	return &p, nil
}
