package slotrecovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
	"github.com/wolfman30/bookflow-platform/internal/audit"
	"github.com/wolfman30/bookflow-platform/internal/events"
	"github.com/wolfman30/bookflow-platform/internal/observability/metrics"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// Recovery turns cancelled slots into openings and hands them to the offer
// dispatcher through the outbox, so the opening and its dispatch request
// commit together.
type Recovery struct {
	store   *Store
	appts   *appointments.Store
	audit   *audit.Store
	outbox  *events.OutboxStore
	metrics *metrics.RecoveryMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewRecovery wires the recovery service. mets may be nil.
func NewRecovery(store *Store, apptStore *appointments.Store, auditLog *audit.Store, outbox *events.OutboxStore, mets *metrics.RecoveryMetrics, logger *logging.Logger) *Recovery {
	if store == nil || apptStore == nil || auditLog == nil || outbox == nil {
		panic("slotrecovery: store, appointment store, audit log, and outbox are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recovery{
		store:   store,
		appts:   apptStore,
		audit:   auditLog,
		outbox:  outbox,
		metrics: mets,
		logger:  logger,
		now:     time.Now,
	}
}

// OpenFromCancellation creates an opening for a freshly cancelled
// appointment's slot. Slots already in the past are not worth offering.
func (r *Recovery) OpenFromCancellation(ctx context.Context, appt *appointments.Appointment) error {
	if !appt.StartAt.After(r.now()) {
		return nil
	}

	tx, err := r.store.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("slotrecovery: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	opening := &Opening{
		ShopID:              appt.ShopID,
		SourceAppointmentID: appt.ID,
		StartAt:             appt.StartAt,
		EndAt:               appt.EndAt,
	}
	created, err := r.store.CreateOpening(ctx, tx, opening)
	if err != nil {
		return err
	}
	if !created {
		// An open opening for this slot already exists; nothing to do.
		return nil
	}

	if _, err := r.outbox.Insert(ctx, tx, events.TypeSlotOpeningCreated, events.SlotOpeningCreatedV1{
		OpeningID: opening.ID,
		ShopID:    opening.ShopID,
	}); err != nil {
		return err
	}

	if _, _, err := r.audit.Append(ctx, tx, appt.ID, audit.TypeSlotOpeningCreated, audit.Payload{}, r.now()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("slotrecovery: commit opening: %w", err)
	}

	r.metrics.ObserveOpening("created")
	r.logger.Info("slot opening created",
		"opening_id", opening.ID,
		"shop_id", opening.ShopID,
		"start_at", opening.StartAt)
	return nil
}

// ReopenFromFailedPayment puts an opening back into play after the winner's
// deposit failed, and queues a fresh offer round.
func (r *Recovery) ReopenFromFailedPayment(ctx context.Context, openingID, appointmentID uuid.UUID) error {
	tx, err := r.store.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("slotrecovery: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reopened, err := r.store.ReopenOpening(ctx, tx, openingID, appointmentID)
	if err != nil {
		return err
	}
	if !reopened {
		// Filled by someone else meanwhile, or already reopened.
		return nil
	}

	declined, err := r.store.DeclineAcceptedOffer(ctx, tx, openingID, r.now())
	if err != nil {
		return err
	}
	if !declined {
		r.logger.Warn("slotrecovery: reopened opening had no accepted offer",
			"opening_id", openingID)
	}

	opening, err := r.store.GetOpeningTx(ctx, tx, openingID)
	if err != nil {
		return err
	}
	if !opening.StartAt.After(r.now()) {
		// Too late for another round; the sweeper will expire it.
		return tx.Commit(ctx)
	}

	if _, err := r.outbox.Insert(ctx, tx, events.TypeSlotOpeningCreated, events.SlotOpeningCreatedV1{
		OpeningID: opening.ID,
		ShopID:    opening.ShopID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("slotrecovery: commit reopen: %w", err)
	}

	r.metrics.ObserveOpening("reopened")
	r.logger.Info("slot opening reopened after failed deposit",
		"opening_id", openingID,
		"failed_appointment_id", appointmentID)
	return nil
}

// QueueSender is the send side of the dispatch queue.
type QueueSender interface {
	Send(ctx context.Context, body string) error
}

// DispatchPublisher bridges the outbox to the dispatch queue. It implements
// events.DeliveryHandler.
type DispatchPublisher struct {
	queue  QueueSender
	logger *logging.Logger
}

// NewDispatchPublisher wires the outbox-to-queue bridge.
func NewDispatchPublisher(queue QueueSender, logger *logging.Logger) *DispatchPublisher {
	if queue == nil {
		panic("slotrecovery: queue required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DispatchPublisher{queue: queue, logger: logger}
}

// Handle forwards slot-opening events to the dispatch queue. Unknown event
// types are acknowledged so they do not wedge the outbox.
func (p *DispatchPublisher) Handle(ctx context.Context, entry events.OutboxEntry) error {
	if entry.Type != events.TypeSlotOpeningCreated {
		p.logger.Debug("skipping outbox event", "type", entry.Type, "event_id", entry.ID)
		return nil
	}
	var payload events.SlotOpeningCreatedV1
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("slotrecovery: decode opening event: %w", err)
	}
	body, err := encodeDispatchJob(dispatchJob{
		OpeningID: payload.OpeningID,
		ShopID:    payload.ShopID,
	})
	if err != nil {
		return err
	}
	return p.queue.Send(ctx, body)
}

// ExpirySweeper periodically retires openings whose slot start has passed
// without a fill, together with their live offers.
type ExpirySweeper struct {
	store    *Store
	metrics  *metrics.RecoveryMetrics
	logger   *logging.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewExpirySweeper builds the sweeper. mets may be nil.
func NewExpirySweeper(store *Store, mets *metrics.RecoveryMetrics, logger *logging.Logger) *ExpirySweeper {
	if store == nil {
		panic("slotrecovery: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ExpirySweeper{
		store:    store,
		metrics:  mets,
		logger:   logger,
		interval: time.Minute,
		batch:    100,
		now:      time.Now,
	}
}

// Start blocks sweeping until ctx is cancelled.
func (s *ExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass.
func (s *ExpirySweeper) Sweep(ctx context.Context) {
	openings, err := s.store.ListExpirableOpenings(ctx, s.now(), s.batch)
	if err != nil {
		s.logger.Error("expiry sweep list failed", "error", err)
		return
	}
	for i := range openings {
		o := &openings[i]
		tx, err := s.store.DB().Begin(ctx)
		if err != nil {
			s.logger.Error("expiry sweep begin failed", "error", err)
			return
		}
		expired, err := s.store.ExpireOpening(ctx, tx, o.ID)
		if err == nil && expired {
			err = s.store.ExpireOffersForOpening(ctx, tx, o.ID)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			s.logger.Error("expiry sweep failed", "opening_id", o.ID, "error", err)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			s.logger.Error("expiry sweep commit failed", "opening_id", o.ID, "error", err)
			continue
		}
		if expired {
			s.metrics.ObserveOpening("expired")
			s.logger.Info("slot opening expired unfilled", "opening_id", o.ID)
		}
	}
}
