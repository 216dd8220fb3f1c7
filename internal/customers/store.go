package customers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
)

// ErrCustomerNotFound is returned when no customer matches the lookup.
var ErrCustomerNotFound = errors.New("customers: not found")

// Tier buckets customers for slot-recovery ranking.
type Tier string

const (
	TierTop     Tier = "top"
	TierNeutral Tier = "neutral"
	TierRisk    Tier = "risk"
)

// Priority returns the sort rank for a tier: top before neutral/unscored
// before risk.
func (t Tier) Priority() int {
	switch t {
	case TierTop:
		return 1
	case TierRisk:
		return 3
	default:
		return 2
	}
}

// Customer is a bookable contact of a shop.
type Customer struct {
	ID               uuid.UUID  `json:"id"`
	ShopID           uuid.UUID  `json:"shop_id"`
	Name             string     `json:"name"`
	Phone            string     `json:"phone"`
	Email            string     `json:"email"`
	OptedIn          bool       `json:"opted_in"`
	Tier             Tier       `json:"tier"`
	ReliabilityScore *int       `json:"reliability_score,omitempty"`
	ScoreComputedAt  *time.Time `json:"score_computed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Store reads customer records.
type Store struct {
	db appointments.Querier
}

// NewStore creates a customer store.
func NewStore(db appointments.Querier) *Store {
	if db == nil {
		panic("customers: db required")
	}
	return &Store{db: db}
}

// OptOutByPhone clears the messaging consent flag for every customer record
// carrying the phone number.
func (s *Store) OptOutByPhone(ctx context.Context, phone string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE customers SET opted_in = false WHERE phone = $1 AND opted_in`, phone)
	if err != nil {
		return 0, fmt.Errorf("customers: opt out: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetByID fetches one customer.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Customer, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, shop_id, name, phone, email, opted_in, tier, reliability_score, score_computed_at, created_at
		FROM customers
		WHERE id = $1`, id)
	var c Customer
	var tier string
	if err := row.Scan(
		&c.ID, &c.ShopID, &c.Name, &c.Phone, &c.Email,
		&c.OptedIn, &tier, &c.ReliabilityScore, &c.ScoreComputedAt, &c.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("customers: load by id: %w", err)
	}
	c.Tier = Tier(tier)
	return &c, nil
}
