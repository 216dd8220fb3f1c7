package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// PolicyInput carries the live shop policy fields copied into a snapshot.
// The live policy service is consulted only here, at booking time.
type PolicyInput struct {
	Currency            string
	PaymentMode         string
	DepositAmountCents  int64
	CancelCutoffMinutes int
	RefundBeforeCutoff  bool
}

// PolicyProvider exposes the live shop policy.
type PolicyProvider interface {
	CurrentPolicy(ctx context.Context, shopID uuid.UUID) (*PolicyInput, error)
}

// PaymentIntentCreator opens a pending payment intent inside the booking
// transaction. Implemented by the payments store.
type PaymentIntentCreator interface {
	CreateIntent(ctx context.Context, q Querier, appointmentID, shopID uuid.UUID, amountCents int64, currency string) (uuid.UUID, error)
}

// BookingRequest describes a booking attempt.
type BookingRequest struct {
	ShopID        uuid.UUID
	CustomerID    uuid.UUID
	StartAt       time.Time
	EndAt         time.Time
	SlotOpeningID *uuid.UUID
}

// Booking is the result of a successful booking-creation call.
type Booking struct {
	Appointment     *Appointment
	PolicySnapshot  *PolicySnapshot
	PaymentIntentID *uuid.UUID
	PaymentURL      string
}

// Service is the ordinary booking-creation path. Direct customers and the
// slot-recovery engine both create appointments through it.
type Service struct {
	store          *Store
	policies       PolicyProvider
	intents        PaymentIntentCreator
	paymentLinkBase string
	logger         *logging.Logger
}

// NewService creates the booking service.
func NewService(store *Store, policies PolicyProvider, intents PaymentIntentCreator, paymentLinkBase string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if store == nil {
		panic("appointments: store required")
	}
	if policies == nil {
		panic("appointments: policy provider required")
	}
	return &Service{
		store:           store,
		policies:        policies,
		intents:         intents,
		paymentLinkBase: strings.TrimRight(paymentLinkBase, "/"),
		logger:          logger,
	}
}

// Store exposes the appointment store backing the service.
func (s *Service) Store() *Store {
	return s.store
}

// CreateBooking snapshots the live policy, inserts the appointment, and
// opens a pending payment intent when a deposit is required, all in one
// transaction. Slot uniqueness is enforced by the database and surfaced
// as ErrSlotTaken.
func (s *Service) CreateBooking(ctx context.Context, req BookingRequest) (*Booking, error) {
	if !req.EndAt.After(req.StartAt) {
		return nil, fmt.Errorf("appointments: booking window end must follow start")
	}

	policy, err := s.policies.CurrentPolicy(ctx, req.ShopID)
	if err != nil {
		return nil, fmt.Errorf("appointments: load live policy: %w", err)
	}

	snap := &PolicySnapshot{
		ShopID:              req.ShopID,
		Currency:            policy.Currency,
		PaymentMode:         policy.PaymentMode,
		DepositAmountCents:  policy.DepositAmountCents,
		CancelCutoffMinutes: policy.CancelCutoffMinutes,
		RefundBeforeCutoff:  policy.RefundBeforeCutoff,
	}

	tx, err := s.store.DB().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: begin booking tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.store.CreatePolicySnapshot(ctx, tx, snap); err != nil {
		return nil, err
	}

	depositRequired := snap.DepositRequired()
	appt := &Appointment{
		ShopID:           req.ShopID,
		CustomerID:       req.CustomerID,
		StartAt:          req.StartAt,
		EndAt:            req.EndAt,
		PaymentRequired:  depositRequired,
		PolicySnapshotID: snap.ID,
		SlotOpeningID:    req.SlotOpeningID,
	}
	if depositRequired {
		appt.Status = StatusPending
		appt.PaymentStatus = PaymentPending
	} else {
		appt.Status = StatusBooked
		appt.PaymentStatus = PaymentUnpaid
	}

	if err := s.store.Insert(ctx, tx, appt); err != nil {
		if errors.Is(err, ErrSlotTaken) {
			return nil, ErrSlotTaken
		}
		return nil, err
	}

	booking := &Booking{Appointment: appt, PolicySnapshot: snap}
	if depositRequired && s.intents != nil {
		intentID, err := s.intents.CreateIntent(ctx, tx, appt.ID, req.ShopID, snap.DepositAmountCents, snap.Currency)
		if err != nil {
			return nil, fmt.Errorf("appointments: create payment intent: %w", err)
		}
		booking.PaymentIntentID = &intentID
		booking.PaymentURL = s.PaymentLink(intentID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("appointments: commit booking: %w", err)
	}

	s.logger.Info("booking created",
		"appointment_id", appt.ID,
		"shop_id", req.ShopID,
		"start_at", req.StartAt,
		"deposit_required", depositRequired,
	)
	return booking, nil
}

// PaymentLink builds the customer-facing payment completion URL.
func (s *Service) PaymentLink(intentID uuid.UUID) string {
	if s.paymentLinkBase == "" {
		return ""
	}
	return s.paymentLinkBase + "/pay/" + intentID.String()
}
