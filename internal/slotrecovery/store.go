package slotrecovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
)

var (
	// ErrOpeningNotFound is returned when no opening matches the lookup.
	ErrOpeningNotFound = errors.New("slotrecovery: opening not found")
	// ErrOfferNotFound is returned when no active offer matches the lookup.
	ErrOfferNotFound = errors.New("slotrecovery: offer not found")
)

// Store persists slot openings and rebooking offers.
type Store struct {
	db appointments.DB
}

// NewStore creates a slot recovery store.
func NewStore(db appointments.DB) *Store {
	if db == nil {
		panic("slotrecovery: db required")
	}
	return &Store{db: db}
}

// DB exposes the underlying pool for transaction control.
func (s *Store) DB() appointments.DB {
	return s.db
}

const openingColumns = `id, shop_id, source_appointment_id, start_at, end_at, status,
	filled_by_appointment_id, offer_round, created_at, updated_at`

// CreateOpening inserts a fresh opening inside the caller's transaction.
// The partial unique index on (shop_id, start_at) for open rows makes a
// duplicate create for the same slot a no-op.
func (s *Store) CreateOpening(ctx context.Context, q appointments.Querier, o *Opening) (bool, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO slot_openings (id, shop_id, source_appointment_id, start_at, end_at, status)
		VALUES ($1, $2, $3, $4, $5, 'open')
		ON CONFLICT (shop_id, start_at) WHERE status = 'open' DO NOTHING`,
		o.ID, o.ShopID, o.SourceAppointmentID, o.StartAt, o.EndAt)
	if err != nil {
		return false, fmt.Errorf("slotrecovery: insert opening: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetOpening fetches one opening.
func (s *Store) GetOpening(ctx context.Context, id uuid.UUID) (*Opening, error) {
	return s.getOpening(ctx, s.db, id)
}

// GetOpeningTx is GetOpening inside the caller's transaction.
func (s *Store) GetOpeningTx(ctx context.Context, q appointments.Querier, id uuid.UUID) (*Opening, error) {
	return s.getOpening(ctx, q, id)
}

func (s *Store) getOpening(ctx context.Context, q appointments.Querier, id uuid.UUID) (*Opening, error) {
	row := q.QueryRow(ctx, `SELECT `+openingColumns+` FROM slot_openings WHERE id = $1`, id)
	var o Opening
	if err := row.Scan(
		&o.ID, &o.ShopID, &o.SourceAppointmentID, &o.StartAt, &o.EndAt,
		&o.Status, &o.FilledByAppointmentID, &o.OfferRound, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOpeningNotFound
		}
		return nil, fmt.Errorf("slotrecovery: load opening: %w", err)
	}
	return &o, nil
}

// FillOpening flips open -> filled for the winning appointment. Exactly one
// of any concurrent accepts can win this write.
func (s *Store) FillOpening(ctx context.Context, q appointments.Querier, openingID, appointmentID uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE slot_openings
		SET status = 'filled', filled_by_appointment_id = $1, updated_at = now()
		WHERE id = $2 AND status = 'open'`,
		appointmentID, openingID)
	if err != nil {
		return false, fmt.Errorf("slotrecovery: fill opening: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReopenOpening puts a filled opening back into play after the winner's
// deposit failed. The filled_by guard ties the reopen to the exact
// appointment that claimed it, so a later legitimate fill is never undone.
func (s *Store) ReopenOpening(ctx context.Context, q appointments.Querier, openingID, failedAppointmentID uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE slot_openings
		SET status = 'open', filled_by_appointment_id = NULL, offer_round = offer_round + 1, updated_at = now()
		WHERE id = $1 AND status = 'filled' AND filled_by_appointment_id = $2`,
		openingID, failedAppointmentID)
	if err != nil {
		return false, fmt.Errorf("slotrecovery: reopen opening: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOpening retires an opening nobody claimed before its slot started.
func (s *Store) ExpireOpening(ctx context.Context, q appointments.Querier, openingID uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE slot_openings
		SET status = 'expired', updated_at = now()
		WHERE id = $1 AND status = 'open'`, openingID)
	if err != nil {
		return false, fmt.Errorf("slotrecovery: expire opening: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpirableOpenings returns open openings whose slot has already started.
func (s *Store) ListExpirableOpenings(ctx context.Context, now time.Time, limit int) ([]Opening, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+openingColumns+`
		FROM slot_openings
		WHERE status = 'open' AND start_at <= $1
		ORDER BY start_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("slotrecovery: list expirable: %w", err)
	}
	return scanOpenings(rows)
}

func scanOpenings(rows pgx.Rows) ([]Opening, error) {
	defer rows.Close()
	var out []Opening
	for rows.Next() {
		var o Opening
		if err := rows.Scan(
			&o.ID, &o.ShopID, &o.SourceAppointmentID, &o.StartAt, &o.EndAt,
			&o.Status, &o.FilledByAppointmentID, &o.OfferRound, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("slotrecovery: scan opening: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertOffer records one outbound offer. The unique (opening_id,
// customer_id) constraint makes a repeat offer to the same customer for the
// same opening a no-op, across rounds included.
func (s *Store) InsertOffer(ctx context.Context, q appointments.Querier, offer *Offer) (bool, error) {
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO slot_offers (id, opening_id, customer_id, phone, status, expires_at)
		VALUES ($1, $2, $3, $4, 'sent', $5)
		ON CONFLICT (opening_id, customer_id) DO NOTHING`,
		offer.ID, offer.OpeningID, offer.CustomerID, offer.Phone, offer.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("slotrecovery: insert offer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkOfferAccepted flips sent -> accepted while the offer is still live.
func (s *Store) MarkOfferAccepted(ctx context.Context, q appointments.Querier, offerID uuid.UUID, now time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE slot_offers
		SET status = 'accepted', updated_at = $1
		WHERE id = $2 AND status = 'sent' AND expires_at > $1`,
		now, offerID)
	if err != nil {
		return false, fmt.Errorf("slotrecovery: mark offer accepted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkOfferDeclined records an explicit decline.
func (s *Store) MarkOfferDeclined(ctx context.Context, q appointments.Querier, offerID uuid.UUID, now time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE slot_offers
		SET status = 'declined', updated_at = $1
		WHERE id = $2 AND status = 'sent'`,
		now, offerID)
	if err != nil {
		return false, fmt.Errorf("slotrecovery: mark offer declined: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeclineAcceptedOffer retires the opening's accepted offer after the
// winner's deposit failed, so the customer becomes offerable again in a later
// round. At most one offer per opening ever reaches accepted.
func (s *Store) DeclineAcceptedOffer(ctx context.Context, q appointments.Querier, openingID uuid.UUID, now time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE slot_offers
		SET status = 'declined', updated_at = $1
		WHERE opening_id = $2 AND status = 'accepted'`,
		now, openingID)
	if err != nil {
		return false, fmt.Errorf("slotrecovery: decline accepted offer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOffersForOpening retires every live offer on an opening, used when
// the opening fills or expires.
func (s *Store) ExpireOffersForOpening(ctx context.Context, q appointments.Querier, openingID uuid.UUID) error {
	_, err := q.Exec(ctx, `
		UPDATE slot_offers
		SET status = 'expired', updated_at = now()
		WHERE opening_id = $1 AND status = 'sent'`, openingID)
	if err != nil {
		return fmt.Errorf("slotrecovery: expire offers: %w", err)
	}
	return nil
}

// FindActiveOfferByPhone matches an inbound reply to the caller's newest
// live offer on a still-open opening.
func (s *Store) FindActiveOfferByPhone(ctx context.Context, phone string, now time.Time) (*Offer, *Opening, error) {
	row := s.db.QueryRow(ctx, `
		SELECT f.id, f.opening_id, f.customer_id, f.phone, f.status, f.expires_at, f.created_at, f.updated_at,
		       o.id, o.shop_id, o.source_appointment_id, o.start_at, o.end_at, o.status,
		       o.filled_by_appointment_id, o.offer_round, o.created_at, o.updated_at
		FROM slot_offers f
		JOIN slot_openings o ON o.id = f.opening_id
		WHERE f.phone = $1 AND f.status = 'sent' AND f.expires_at > $2 AND o.status = 'open'
		ORDER BY f.created_at DESC
		LIMIT 1`, phone, now)
	var f Offer
	var o Opening
	if err := row.Scan(
		&f.ID, &f.OpeningID, &f.CustomerID, &f.Phone, &f.Status, &f.ExpiresAt, &f.CreatedAt, &f.UpdatedAt,
		&o.ID, &o.ShopID, &o.SourceAppointmentID, &o.StartAt, &o.EndAt, &o.Status,
		&o.FilledByAppointmentID, &o.OfferRound, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrOfferNotFound
		}
		return nil, nil, fmt.Errorf("slotrecovery: find offer by phone: %w", err)
	}
	return &f, &o, nil
}

// ListCandidates ranks a shop's customers for an offer round: best tier
// first, then highest reliability score with unscored customers treated as
// midpoint, then freshest score, then customer id for a stable total order.
// Customers already booked over the slot window are filtered out: an offer
// they cannot take is a wasted round.
func (s *Store) ListCandidates(ctx context.Context, shopID, excludeCustomerID uuid.UUID, excludeRiskTier bool, startAt, endAt time.Time, limit int) ([]Candidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.name, c.phone,
		       CASE c.tier WHEN 'top' THEN 1 WHEN 'risk' THEN 3 ELSE 2 END AS tier_priority,
		       c.reliability_score, c.score_computed_at
		FROM customers c
		WHERE c.shop_id = $1
		  AND c.opted_in
		  AND c.phone <> ''
		  AND c.id <> $2
		  AND (NOT $3 OR c.tier <> 'risk')
		  AND NOT EXISTS (
		      SELECT 1 FROM appointments a
		      WHERE a.customer_id = c.id
		        AND a.status IN ('pending', 'booked')
		        AND a.start_at < $5 AND a.end_at > $4
		  )
		ORDER BY tier_priority ASC,
		         COALESCE(c.reliability_score, 50) DESC,
		         c.score_computed_at DESC NULLS LAST,
		         c.id ASC
		LIMIT $6`,
		shopID, excludeCustomerID, excludeRiskTier, startAt, endAt, limit)
	if err != nil {
		return nil, fmt.Errorf("slotrecovery: list candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.CustomerID, &c.Name, &c.Phone, &c.TierPriority, &c.ReliabilityScore, &c.ScoreComputedAt); err != nil {
			return nil, fmt.Errorf("slotrecovery: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OfferedCustomerIDs returns every customer already offered this opening,
// used to skip them in later rounds.
func (s *Store) OfferedCustomerIDs(ctx context.Context, openingID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	rows, err := s.db.Query(ctx, `
		SELECT customer_id FROM slot_offers WHERE opening_id = $1`, openingID)
	if err != nil {
		return nil, fmt.Errorf("slotrecovery: list offered customers: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("slotrecovery: scan offered customer: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// ShopStats aggregates recovery performance for one shop since a cutoff.
func (s *Store) ShopStats(ctx context.Context, shopID uuid.UUID, since time.Time) (*Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE true),
			count(*) FILTER (WHERE status = 'filled'),
			count(*) FILTER (WHERE status = 'expired'),
			count(*) FILTER (WHERE status = 'open')
		FROM slot_openings
		WHERE shop_id = $1 AND created_at >= $2`, shopID, since).Scan(
		&st.OpeningsCreated, &st.OpeningsFilled, &st.OpeningsExpired, &st.OpeningsOpen)
	if err != nil {
		return nil, fmt.Errorf("slotrecovery: opening stats: %w", err)
	}
	err = s.db.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE f.status = 'accepted'),
			count(*) FILTER (WHERE f.status = 'declined')
		FROM slot_offers f
		JOIN slot_openings o ON o.id = f.opening_id
		WHERE o.shop_id = $1 AND f.created_at >= $2`, shopID, since).Scan(
		&st.OffersSent, &st.OffersAccepted, &st.OffersDeclined)
	if err != nil {
		return nil, fmt.Errorf("slotrecovery: offer stats: %w", err)
	}
	return &st, nil
}
