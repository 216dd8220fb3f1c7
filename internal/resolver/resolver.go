package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
	"github.com/wolfman30/bookflow-platform/internal/audit"
	"github.com/wolfman30/bookflow-platform/internal/observability/metrics"
	"github.com/wolfman30/bookflow-platform/internal/payments"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

const (
	defaultBatchLimit    = 200
	maxBatchLimit        = 1000
	defaultBackfillLimit = 50
)

// RunParams tunes one resolver pass.
type RunParams struct {
	// Limit caps how many ended appointments one pass touches. Zero means
	// the default; values above the hard cap are clamped.
	Limit int
	// BackfillLimit caps how many orphaned cancellations one pass repairs.
	BackfillLimit int
	// LockPartition selects the advisory lock partition. Production always
	// runs partition 0; tests use distinct partitions to run in parallel.
	LockPartition int32
}

// Report summarizes one resolver pass.
type Report struct {
	LockBusy   bool     `json:"lock_busy"`
	Total      int      `json:"total"`
	Resolved   int      `json:"resolved"`
	Skipped    int      `json:"skipped"`
	Backfilled int      `json:"backfilled"`
	Errors     []string `json:"errors"`
}

// Resolver assigns financial outcomes to appointments whose service window
// has ended, and backfills outcomes for cancellations that never got one.
// Each candidate commits in its own transaction so one bad row cannot wedge
// the batch.
type Resolver struct {
	appts        *appointments.Store
	payments     *payments.Store
	audit        *audit.Store
	lock         *RunLock
	graceMinutes int
	metrics      *metrics.ResolverMetrics
	logger       *logging.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// New wires a resolver. graceMinutes is the default settle-down window for
// shops that have not configured their own. mets may be nil.
func New(apptStore *appointments.Store, paymentStore *payments.Store, auditLog *audit.Store, lock *RunLock, graceMinutes int, mets *metrics.ResolverMetrics, logger *logging.Logger) *Resolver {
	if apptStore == nil || paymentStore == nil || auditLog == nil || lock == nil {
		panic("resolver: all stores and the run lock are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		appts:        apptStore,
		payments:     paymentStore,
		audit:        auditLog,
		lock:         lock,
		graceMinutes: graceMinutes,
		metrics:      mets,
		logger:       logger,
		tracer:       otel.Tracer("resolver"),
		now:          time.Now,
	}
}

// Run executes one resolver pass. Overlapping runs on the same partition are
// harmless: the second returns immediately with LockBusy set.
func (r *Resolver) Run(ctx context.Context, params RunParams) (Report, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Run")
	defer span.End()

	limit := params.Limit
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	if limit > maxBatchLimit {
		limit = maxBatchLimit
	}
	backfillLimit := params.BackfillLimit
	if backfillLimit <= 0 {
		backfillLimit = defaultBackfillLimit
	}

	release, got, err := r.lock.TryLock(ctx, params.LockPartition)
	if err != nil {
		return Report{}, err
	}
	if !got {
		r.logger.Info("resolver: run already in progress, skipping", "partition", params.LockPartition)
		return Report{LockBusy: true}, nil
	}
	defer release()

	var report Report
	started := r.now()

	candidates, err := r.appts.ListEndedUnresolved(ctx, r.graceMinutes, limit)
	if err != nil {
		return report, fmt.Errorf("resolver: list candidates: %w", err)
	}
	report.Total = len(candidates)

	for i := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		switch err := r.resolveOne(ctx, &candidates[i]); {
		case err == nil:
			report.Resolved++
			r.metrics.ObserveOutcome("resolved")
		case errors.Is(err, errLostRace):
			report.Skipped++
			r.metrics.ObserveOutcome("skipped")
		default:
			report.Errors = append(report.Errors, fmt.Sprintf("appointment %s: %v", candidates[i].ID, err))
			r.metrics.ObserveOutcome("error")
			r.logger.Error("resolver: candidate failed", "appointment_id", candidates[i].ID, "error", err)
		}
	}

	backfilled, errs, err := r.backfill(ctx, backfillLimit)
	report.Backfilled = backfilled
	report.Errors = append(report.Errors, errs...)
	if err != nil {
		return report, err
	}

	r.metrics.ObserveRun(r.now().Sub(started).Seconds())
	span.SetAttributes(
		attribute.Int("resolver.total", report.Total),
		attribute.Int("resolver.resolved", report.Resolved),
		attribute.Int("resolver.backfilled", report.Backfilled),
	)
	r.logger.Info("resolver: run complete",
		"total", report.Total,
		"resolved", report.Resolved,
		"skipped", report.Skipped,
		"backfilled", report.Backfilled,
		"errors", len(report.Errors))
	return report, nil
}

// errLostRace marks a candidate that changed state under us; it is counted
// as skipped, not failed.
var errLostRace = errors.New("resolver: lost race to concurrent writer")

func (r *Resolver) resolveOne(ctx context.Context, appt *appointments.Appointment) error {
	snap, err := r.appts.GetPolicySnapshot(ctx, appt.PolicySnapshotID)
	if err != nil {
		return fmt.Errorf("load policy snapshot: %w", err)
	}

	tx, err := r.appts.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	required := snap.DepositRequired()
	var payment *payments.Payment
	if required {
		payment, err = r.payments.GetByAppointmentTx(ctx, tx, appt.ID)
		if err != nil && !errors.Is(err, payments.ErrPaymentNotFound) {
			return fmt.Errorf("load payment: %w", err)
		}
	}
	captured := payment != nil && payment.Captured()

	verdict := Resolve(required, captured)
	now := r.now()

	ok, err := r.appts.ResolveEnded(ctx, tx, appt.ID, verdict.Outcome, verdict.Reason, now)
	if err != nil {
		return err
	}
	if !ok {
		// Someone else resolved or cancelled it between the list and this
		// update. The guard makes that safe; pick it up next pass if needed.
		return errLostRace
	}

	payload := audit.Payload{
		PolicySnapshotID: &snap.ID,
		Outcome:          string(verdict.Outcome),
		Reason:           string(verdict.Reason),
	}
	if payment != nil {
		payload.PaymentID = &payment.ID
		payload.PaymentStatus = payment.Status
	}
	eventID, _, err := r.audit.Append(ctx, tx, appt.ID, audit.TypeOutcomeResolved, payload, now)
	if err != nil {
		return err
	}
	if err := r.appts.SetLastAuditEvent(ctx, tx, appt.ID, eventID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// backfill repairs cancelled appointments that are missing an outcome, a
// state only reachable when a cancellation crashed between its cancel write
// and its resolution write under an older schema.
func (r *Resolver) backfill(ctx context.Context, limit int) (backfilled int, errs []string, err error) {
	orphans, err := r.appts.ListCancelledUnresolved(ctx, limit)
	if err != nil {
		return 0, nil, fmt.Errorf("resolver: list orphaned cancellations: %w", err)
	}
	for i := range orphans {
		if ctx.Err() != nil {
			return backfilled, errs, ctx.Err()
		}
		switch err := r.backfillOne(ctx, &orphans[i]); {
		case err == nil:
			backfilled++
			r.metrics.ObserveOutcome("backfilled")
		case errors.Is(err, errLostRace):
			// Another run got here first.
		default:
			errs = append(errs, fmt.Sprintf("appointment %s: %v", orphans[i].ID, err))
			r.logger.Error("resolver: backfill failed", "appointment_id", orphans[i].ID, "error", err)
		}
	}
	return backfilled, errs, nil
}

func (r *Resolver) backfillOne(ctx context.Context, appt *appointments.Appointment) error {
	tx, err := r.appts.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	payment, err := r.payments.GetByAppointmentTx(ctx, tx, appt.ID)
	if err != nil && !errors.Is(err, payments.ErrPaymentNotFound) {
		return fmt.Errorf("load payment: %w", err)
	}

	var (
		refundedCents int64
		hasRefundID   bool
		captured      bool
	)
	if payment != nil {
		refundedCents = payment.RefundedAmountCents
		hasRefundID = payment.RefundID != nil
		captured = payment.Captured()
	}
	verdict := ResolveOrphan(refundedCents, hasRefundID, captured)
	now := r.now()

	ok, err := r.appts.ResolveCancelled(ctx, tx, appt.ID, verdict.Outcome, verdict.Reason, now)
	if err != nil {
		return err
	}
	if !ok {
		return errLostRace
	}

	payload := audit.Payload{
		Outcome:  string(verdict.Outcome),
		Reason:   string(verdict.Reason),
		Backfill: true,
	}
	if payment != nil {
		payload.PaymentID = &payment.ID
		payload.PaymentStatus = payment.Status
		if payment.RefundID != nil {
			payload.RefundID = *payment.RefundID
		}
	}
	eventID, _, err := r.audit.Append(ctx, tx, appt.ID, audit.TypeOutcomeBackfilled, payload, now)
	if err != nil {
		return err
	}
	if err := r.appts.SetLastAuditEvent(ctx, tx, appt.ID, eventID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
