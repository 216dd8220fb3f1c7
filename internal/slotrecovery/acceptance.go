package slotrecovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
	"github.com/wolfman30/bookflow-platform/internal/audit"
	"github.com/wolfman30/bookflow-platform/internal/locks"
	"github.com/wolfman30/bookflow-platform/internal/observability/metrics"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// AcceptOutcome classifies what happened to a claim attempt.
type AcceptOutcome string

const (
	// AcceptBooked means this customer won the slot.
	AcceptBooked AcceptOutcome = "booked"
	// AcceptTaken means another customer got there first.
	AcceptTaken AcceptOutcome = "taken"
	// AcceptNoOffer means no live offer matched the reply.
	AcceptNoOffer AcceptOutcome = "no_offer"
)

// AcceptResult is the outcome of one claim attempt.
type AcceptResult struct {
	Outcome     AcceptOutcome
	Appointment *appointments.Appointment
	PaymentURL  string
	StartAt     time.Time
}

// tokenCreator mints a cancellation link for the winner's new booking.
type tokenCreator interface {
	Create(ctx context.Context, q appointments.Querier, appointmentID uuid.UUID) (string, error)
}

// Acceptor processes offer claims. Correctness does not depend on the Redis
// lock: the opening's single open->filled conditional write decides the
// winner. The lock only keeps concurrent claimers from all paying the cost
// of creating an appointment that immediately loses.
type Acceptor struct {
	store    *Store
	appts    *appointments.Store
	bookings *appointments.Service
	audit    *audit.Store
	tokens   tokenCreator
	lock     *locks.RedisLock
	cooldown *Cooldown
	metrics  *metrics.RecoveryMetrics
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewAcceptor wires the claim processor. tokens, lock, cooldown, and mets
// may be nil.
func NewAcceptor(store *Store, apptStore *appointments.Store, bookings *appointments.Service, auditLog *audit.Store, tokens tokenCreator, lock *locks.RedisLock, cooldown *Cooldown, mets *metrics.RecoveryMetrics, logger *logging.Logger) *Acceptor {
	if store == nil || apptStore == nil || bookings == nil || auditLog == nil {
		panic("slotrecovery: store, appointment store, booking service, and audit log are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Acceptor{
		store:    store,
		appts:    apptStore,
		bookings: bookings,
		audit:    auditLog,
		tokens:   tokens,
		lock:     lock,
		cooldown: cooldown,
		metrics:  mets,
		logger:   logger,
		tracer:   otel.Tracer("slotrecovery"),
		now:      time.Now,
	}
}

// AcceptByPhone claims the caller's live offer, if any.
func (a *Acceptor) AcceptByPhone(ctx context.Context, phone string) (*AcceptResult, error) {
	ctx, span := a.tracer.Start(ctx, "slotrecovery.AcceptByPhone")
	defer span.End()

	offer, opening, err := a.store.FindActiveOfferByPhone(ctx, phone, a.now())
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			a.metrics.ObserveAccept("no_offer")
			return &AcceptResult{Outcome: AcceptNoOffer}, nil
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.String("bookflow.opening_id", opening.ID.String()),
		attribute.String("bookflow.offer_id", offer.ID.String()),
	)
	return a.accept(ctx, offer, opening)
}

func acceptLockKey(o *Opening) string {
	return fmt.Sprintf("slot:accept:%s:%d", o.ShopID, o.StartAt.Unix())
}

func (a *Acceptor) accept(ctx context.Context, offer *Offer, opening *Opening) (*AcceptResult, error) {
	if a.lock != nil {
		lease, err := a.lock.Acquire(ctx, acceptLockKey(opening))
		if errors.Is(err, locks.ErrNotAcquired) {
			// A concurrent claim for the same slot is in flight and will
			// almost certainly fill it.
			a.metrics.ObserveAccept("contended")
			return &AcceptResult{Outcome: AcceptTaken, StartAt: opening.StartAt}, nil
		}
		if err != nil {
			return nil, err
		}
		defer lease.Release(ctx)
	}

	// Re-read under the lock: the opening may have filled or expired since
	// the offer lookup.
	opening, err := a.store.GetOpening(ctx, opening.ID)
	if err != nil {
		return nil, err
	}
	if opening.Status != OpeningOpen || !opening.StartAt.After(a.now()) {
		a.metrics.ObserveAccept("taken")
		return &AcceptResult{Outcome: AcceptTaken, StartAt: opening.StartAt}, nil
	}

	booking, err := a.bookings.CreateBooking(ctx, appointments.BookingRequest{
		ShopID:        opening.ShopID,
		CustomerID:    offer.CustomerID,
		StartAt:       opening.StartAt,
		EndAt:         opening.EndAt,
		SlotOpeningID: &opening.ID,
	})
	if errors.Is(err, appointments.ErrSlotTaken) {
		a.metrics.ObserveAccept("taken")
		return &AcceptResult{Outcome: AcceptTaken, StartAt: opening.StartAt}, nil
	}
	if err != nil {
		return nil, err
	}
	appt := booking.Appointment

	tx, err := a.store.DB().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("slotrecovery: begin accept: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	filled, err := a.store.FillOpening(ctx, tx, opening.ID, appt.ID)
	if err != nil {
		return nil, err
	}
	if !filled {
		// Lost the open->filled race despite the lock (expired lease or
		// sweeper). Void the booking we just created and concede.
		_ = tx.Rollback(ctx)
		a.voidLosingBooking(ctx, appt)
		a.metrics.ObserveAccept("taken")
		return &AcceptResult{Outcome: AcceptTaken, StartAt: opening.StartAt}, nil
	}

	now := a.now()
	accepted, err := a.store.MarkOfferAccepted(ctx, tx, offer.ID, now)
	if err != nil {
		return nil, err
	}
	if !accepted {
		// The offer slipped out of 'sent' under us (expired or declined in a
		// concurrent write). Concede the same way a lost fill does.
		_ = tx.Rollback(ctx)
		a.voidLosingBooking(ctx, appt)
		a.metrics.ObserveAccept("taken")
		return &AcceptResult{Outcome: AcceptTaken, StartAt: opening.StartAt}, nil
	}
	if err := a.store.ExpireOffersForOpening(ctx, tx, opening.ID); err != nil {
		return nil, err
	}

	eventID, _, err := a.audit.Append(ctx, tx, appt.ID, audit.TypeSlotRebooked, audit.Payload{
		PolicySnapshotID: &booking.PolicySnapshot.ID,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := a.appts.SetLastAuditEvent(ctx, tx, appt.ID, eventID); err != nil {
		return nil, err
	}

	if a.tokens != nil {
		if _, err := a.tokens.Create(ctx, tx, appt.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("slotrecovery: commit accept: %w", err)
	}

	if a.cooldown != nil {
		a.cooldown.Start(ctx, opening.ShopID, offer.CustomerID)
	}
	a.metrics.ObserveAccept("won")
	a.metrics.ObserveOfferToFill(now.Sub(opening.CreatedAt).Seconds())
	a.logger.Info("slot opening filled",
		"opening_id", opening.ID,
		"appointment_id", appt.ID,
		"customer_id", offer.CustomerID,
		"round", opening.OfferRound)

	return &AcceptResult{
		Outcome:     AcceptBooked,
		Appointment: appt,
		PaymentURL:  booking.PaymentURL,
		StartAt:     opening.StartAt,
	}, nil
}

// Decline records an explicit pass on the caller's live offer.
func (a *Acceptor) Decline(ctx context.Context, phone string) (bool, error) {
	offer, _, err := a.store.FindActiveOfferByPhone(ctx, phone, a.now())
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			return false, nil
		}
		return false, err
	}
	return a.store.MarkOfferDeclined(ctx, a.store.db, offer.ID, a.now())
}

// voidLosingBooking cleans up an appointment created for a claim that lost
// the fill race. Best effort: a leftover pending appointment never captures
// a deposit and resolves voided.
func (a *Acceptor) voidLosingBooking(ctx context.Context, appt *appointments.Appointment) {
	ok, err := a.appts.CancelBooked(ctx, a.appts.DB(), appt.ID, appointments.OutcomeVoided, appointments.ReasonCancelledNoPaymentCaptured, appointments.SourceSystem, a.now())
	if err != nil {
		a.logger.Error("failed to void losing booking", "appointment_id", appt.ID, "error", err)
		return
	}
	if !ok {
		// Pending appointments fail the booked-status guard; the resolver
		// will void them once the slot window passes.
		a.logger.Warn("losing booking left for resolver cleanup", "appointment_id", appt.ID)
	}
}
