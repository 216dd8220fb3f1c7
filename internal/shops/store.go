package shops

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
)

// ErrShopNotFound is returned when no settings row exists for the shop.
var ErrShopNotFound = errors.New("shops: not found")

// Settings is the live, editable policy for one shop. Bookings copy it into
// an immutable snapshot; edits here never touch existing appointments.
type Settings struct {
	ShopID               uuid.UUID `json:"shop_id"`
	Name                 string    `json:"name"`
	Currency             string    `json:"currency"`
	PaymentMode          string    `json:"payment_mode"`
	DepositAmountCents   int64     `json:"deposit_amount_cents"`
	CancelCutoffMinutes  int       `json:"cancel_cutoff_minutes"`
	RefundBeforeCutoff   bool      `json:"refund_before_cutoff"`
	ResolverGraceMinutes *int      `json:"resolver_grace_minutes,omitempty"`
}

// Store reads shop settings.
type Store struct {
	db appointments.Querier
}

// NewStore creates a shop settings store.
func NewStore(db appointments.Querier) *Store {
	if db == nil {
		panic("shops: db required")
	}
	return &Store{db: db}
}

// Get loads one shop's settings.
func (s *Store) Get(ctx context.Context, shopID uuid.UUID) (*Settings, error) {
	row := s.db.QueryRow(ctx, `
		SELECT shop_id, name, currency, payment_mode, deposit_amount_cents,
		       cancel_cutoff_minutes, refund_before_cutoff, resolver_grace_minutes
		FROM shop_settings
		WHERE shop_id = $1`, shopID)
	var st Settings
	if err := row.Scan(
		&st.ShopID, &st.Name, &st.Currency, &st.PaymentMode, &st.DepositAmountCents,
		&st.CancelCutoffMinutes, &st.RefundBeforeCutoff, &st.ResolverGraceMinutes,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShopNotFound
		}
		return nil, fmt.Errorf("shops: load settings: %w", err)
	}
	return &st, nil
}

// CurrentPolicy implements appointments.PolicyProvider.
func (s *Store) CurrentPolicy(ctx context.Context, shopID uuid.UUID) (*appointments.PolicyInput, error) {
	settings, err := s.Get(ctx, shopID)
	if err != nil {
		return nil, err
	}
	return &appointments.PolicyInput{
		Currency:            settings.Currency,
		PaymentMode:         settings.PaymentMode,
		DepositAmountCents:  settings.DepositAmountCents,
		CancelCutoffMinutes: settings.CancelCutoffMinutes,
		RefundBeforeCutoff:  settings.RefundBeforeCutoff,
	}, nil
}
