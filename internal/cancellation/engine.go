package cancellation

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
	"github.com/wolfman30/bookflow-platform/internal/observability/metrics"
	"github.com/wolfman30/bookflow-platform/internal/payments"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// ErrNotCancellable is returned when the appointment is no longer in a state
// a customer can cancel (already cancelled, already ended, or lost to a
// concurrent write).
var ErrNotCancellable = errors.New("cancellation: appointment not cancellable")

// tokenLookup resolves a cancellation-link token.
type tokenLookup interface {
	Lookup(ctx context.Context, token string) (uuid.UUID, error)
}

// refundGateway is the slice of the payment gateway the engine needs.
type refundGateway interface {
	Refund(ctx context.Context, req payments.RefundRequest) (*payments.RefundResult, error)
	LookupRefundByPayment(ctx context.Context, paymentRef string) (*payments.RefundResult, error)
}

// openingCreator hands the freed slot to the recovery engine.
type openingCreator interface {
	OpenFromCancellation(ctx context.Context, appt *appointments.Appointment) error
}

// notifier confirms the cancellation to the customer, best effort.
type notifier interface {
	CancellationProcessed(ctx context.Context, appt *appointments.Appointment, refundedCents int64, currency string)
}

// Result reports what a cancellation did.
type Result struct {
	Appointment   *appointments.Appointment `json:"appointment"`
	Outcome       appointments.Outcome      `json:"outcome"`
	Reason        appointments.Reason       `json:"reason"`
	RefundID      string                    `json:"refund_id,omitempty"`
	RefundedCents int64                     `json:"refunded_cents,omitempty"`
}

// Engine processes customer cancellations: it decides refund eligibility
// from the appointment's immutable policy snapshot, issues the refund before
// touching appointment state, and commits the cancellation, the refund
// record, and the audit event in one transaction.
type Engine struct {
	appts    *appointments.Store
	payments *payments.Store
	audit    *audit.Store
	tokens   tokenLookup
	gateway  refundGateway
	recovery openingCreator
	notify   notifier
	metrics  *metrics.BookingMetrics
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewEngine wires the cancellation engine. recovery, notify, and mets may be
// nil; gateway may be nil only when no shop requires deposits.
func NewEngine(apptStore *appointments.Store, paymentStore *payments.Store, auditLog *audit.Store, tokens tokenLookup, gateway refundGateway, recovery openingCreator, notify notifier, mets *metrics.BookingMetrics, logger *logging.Logger) *Engine {
	if apptStore == nil || paymentStore == nil || auditLog == nil || tokens == nil {
		panic("cancellation: stores and token lookup are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		appts:    apptStore,
		payments: paymentStore,
		audit:    auditLog,
		tokens:   tokens,
		gateway:  gateway,
		recovery: recovery,
		notify:   notify,
		metrics:  mets,
		logger:   logger,
		tracer:   otel.Tracer("cancellation"),
		now:      time.Now,
	}
}

// CancelByToken cancels the appointment behind a cancellation link.
// Reinvoking it for an already-cancelled appointment returns
// ErrNotCancellable; the earlier run's refund is never repeated because the
// gateway idempotency key, the refund_id guard, and the status guard each
// independently stop a second refund.
func (e *Engine) CancelByToken(ctx context.Context, token string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "cancellation.CancelByToken")
	defer span.End()

	apptID, err := e.tokens.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("bookflow.appointment_id", apptID.String()))

	appt, err := e.appts.GetByID(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if appt.Status != appointments.StatusBooked {
		e.metrics.ObserveCancellation("not_cancellable")
		return nil, ErrNotCancellable
	}

	snap, err := e.appts.GetPolicySnapshot(ctx, appt.PolicySnapshotID)
	if err != nil {
		return nil, fmt.Errorf("cancellation: load policy snapshot: %w", err)
	}

	payment, err := e.payments.GetByAppointment(ctx, appt.ID)
	if err != nil && !errors.Is(err, payments.ErrPaymentNotFound) {
		return nil, fmt.Errorf("cancellation: load payment: %w", err)
	}
	if payment == nil && appt.PaymentRequired {
		// A deposit-backed booking with no payment row is broken state;
		// cancelling it blind would misfile the outcome.
		e.metrics.ObserveCancellation("missing_payment")
		return nil, fmt.Errorf("cancellation: appointment %s requires a payment: %w", appt.ID, payments.ErrPaymentNotFound)
	}
	captured := payment != nil && payment.Captured()

	now := e.now()
	eligible := captured &&
		snap.RefundBeforeCutoff &&
		now.Before(snap.CutoffAt(appt.StartAt))

	var (
		verdict appointments.Outcome
		reason  appointments.Reason
		refund  *payments.RefundResult
	)
	switch {
	case eligible:
		refund, err = e.issueRefund(ctx, appt, payment, snap.Currency)
		if err != nil {
			e.metrics.ObserveRefund("error")
			return nil, err
		}
		e.metrics.ObserveRefund("issued")
		verdict = appointments.OutcomeRefunded
		reason = appointments.ReasonCancelledRefundedBeforeCut
	case captured:
		verdict = appointments.OutcomeSettled
		reason = appointments.ReasonCancelledNoRefundAfterCut
	default:
		verdict = appointments.OutcomeVoided
		reason = appointments.ReasonCancelledNoPaymentCaptured
	}

	tx, err := e.appts.DB().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cancellation: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ok, err := e.appts.CancelBooked(ctx, tx, appt.ID, verdict, reason, appointments.SourceCustomer, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race to another cancel or to the resolver. The refund,
		// if one was just issued, stays attached to the payment either by
		// the earlier winner's commit or by resolver backfill.
		e.metrics.ObserveCancellation("conflict")
		return nil, ErrNotCancellable
	}

	payload := audit.Payload{
		PolicySnapshotID: &snap.ID,
		Outcome:          string(verdict),
		Reason:           string(reason),
	}
	if payment != nil {
		payload.PaymentID = &payment.ID
		payload.PaymentStatus = payment.Status
	}

	var refundedCents int64
	var refundID string
	if refund != nil {
		refundID = refund.RefundID
		refundedCents = refund.AmountCents
		if refundedCents == 0 {
			refundedCents = payment.AmountCents
		}
		recorded, err := e.payments.RecordRefund(ctx, tx, payment.ID, refundID, refundedCents, now)
		if err != nil {
			return nil, err
		}
		if !recorded {
			// refund_id already set by an earlier attempt that crashed
			// after its payment write. Keep that record, just finish the
			// cancellation.
			e.logger.Warn("cancellation: refund already recorded, keeping existing record",
				"appointment_id", appt.ID, "refund_id", refundID)
		}
		payload.RefundID = refundID
	}

	eventID, _, err := e.audit.Append(ctx, tx, appt.ID, audit.TypeAppointmentCancelled, payload, now)
	if err != nil {
		return nil, err
	}
	if err := e.appts.SetLastAuditEvent(ctx, tx, appt.ID, eventID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cancellation: commit: %w", err)
	}

	appt.Status = appointments.StatusCancelled
	appt.FinancialOutcome = verdict
	e.metrics.ObserveCancellation("cancelled")
	e.logger.Info("appointment cancelled",
		"appointment_id", appt.ID,
		"outcome", verdict,
		"reason", reason,
		"refund_id", refundID)

	e.afterCancel(appt, refundedCents, snap.Currency)

	return &Result{
		Appointment:   appt,
		Outcome:       verdict,
		Reason:        reason,
		RefundID:      refundID,
		RefundedCents: refundedCents,
	}, nil
}

// issueRefund pushes the refund to the gateway before any local state
// changes. The deterministic idempotency key makes a retry after a crash
// land on the same gateway refund.
func (e *Engine) issueRefund(ctx context.Context, appt *appointments.Appointment, payment *payments.Payment, currency string) (*payments.RefundResult, error) {
	if payment.RefundID != nil {
		// Recorded by an earlier attempt; nothing to push.
		return &payments.RefundResult{
			RefundID:    *payment.RefundID,
			AmountCents: payment.RefundedAmountCents,
			Status:      "COMPLETED",
		}, nil
	}
	if e.gateway == nil {
		return nil, errors.New("cancellation: refund gateway not configured")
	}
	if payment.ProviderRef == nil {
		return nil, fmt.Errorf("cancellation: payment %s captured without provider ref", payment.ID)
	}

	refund, err := e.gateway.Refund(ctx, payments.RefundRequest{
		AppointmentID: appt.ID,
		PaymentRef:    *payment.ProviderRef,
		AmountCents:   payment.AmountCents,
		Currency:      currency,
		Reason:        "customer cancellation before cutoff",
	})
	if errors.Is(err, payments.ErrAlreadyRefunded) {
		return e.gateway.LookupRefundByPayment(ctx, *payment.ProviderRef)
	}
	if err != nil {
		return nil, fmt.Errorf("cancellation: refund: %w", err)
	}
	return refund, nil
}

// afterCancel runs the fire-and-forget followups: offering the freed slot to
// the recovery engine and confirming to the customer. Neither can affect the
// committed cancellation. Only a refunded cancellation frees the slot; a
// settled one keeps the deposit and the appointment stays the customer's to
// show up to.
func (e *Engine) afterCancel(appt *appointments.Appointment, refundedCents int64, currency string) {
	if e.recovery != nil && appt.FinancialOutcome == appointments.OutcomeRefunded {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.recovery.OpenFromCancellation(ctx, appt); err != nil {
				e.logger.Error("cancellation: slot recovery trigger failed",
					"appointment_id", appt.ID, "error", err)
			}
		}()
	}
	if e.notify != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			e.notify.CancellationProcessed(ctx, appt, refundedCents, currency)
		}()
	}
}
