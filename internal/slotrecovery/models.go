package slotrecovery

import (
	"time"

	"github.com/google/uuid"
)

// OpeningStatus tracks a freed slot's lifecycle.
type OpeningStatus string

const (
	OpeningOpen    OpeningStatus = "open"
	OpeningFilled  OpeningStatus = "filled"
	OpeningExpired OpeningStatus = "expired"
)

// Opening is a slot freed by a cancellation, offered out for rebooking.
type Opening struct {
	ID                     uuid.UUID     `json:"id"`
	ShopID                 uuid.UUID     `json:"shop_id"`
	SourceAppointmentID    uuid.UUID     `json:"source_appointment_id"`
	StartAt                time.Time     `json:"start_at"`
	EndAt                  time.Time     `json:"end_at"`
	Status                 OpeningStatus `json:"status"`
	FilledByAppointmentID  *uuid.UUID    `json:"filled_by_appointment_id,omitempty"`
	OfferRound             int           `json:"offer_round"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// OfferStatus tracks one customer's offer for an opening.
type OfferStatus string

const (
	OfferSent     OfferStatus = "sent"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// Offer is one outbound invitation to claim an opening. At most one offer
// per (opening, customer) ever exists.
type Offer struct {
	ID         uuid.UUID   `json:"id"`
	OpeningID  uuid.UUID   `json:"opening_id"`
	CustomerID uuid.UUID   `json:"customer_id"`
	Phone      string      `json:"phone"`
	Status     OfferStatus `json:"status"`
	ExpiresAt  time.Time   `json:"expires_at"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Candidate is a ranked customer eligible for an offer.
type Candidate struct {
	CustomerID       uuid.UUID  `json:"customer_id"`
	Name             string     `json:"name"`
	Phone            string     `json:"phone"`
	TierPriority     int        `json:"tier_priority"`
	ReliabilityScore *int       `json:"reliability_score,omitempty"`
	ScoreComputedAt  *time.Time `json:"score_computed_at,omitempty"`
}

// Stats is the admin view of recovery performance.
type Stats struct {
	OpeningsCreated int `json:"openings_created"`
	OpeningsFilled  int `json:"openings_filled"`
	OpeningsExpired int `json:"openings_expired"`
	OpeningsOpen    int `json:"openings_open"`
	OffersSent      int `json:"offers_sent"`
	OffersAccepted  int `json:"offers_accepted"`
	OffersDeclined  int `json:"offers_declined"`
}
