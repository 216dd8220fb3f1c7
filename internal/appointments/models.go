package appointments

import (
	"time"

	"github.com/google/uuid"
)

// Status tracks the scheduling lifecycle of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBooked    Status = "booked"
	StatusCancelled Status = "cancelled"
	StatusEnded     Status = "ended"
)

// PaymentStatus mirrors the deposit state attached to an appointment.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Outcome is the terminal financial disposition of an appointment.
// It moves from unresolved to a terminal value exactly once and never reverts.
type Outcome string

const (
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeSettled    Outcome = "settled"
	OutcomeVoided     Outcome = "voided"
	OutcomeRefunded   Outcome = "refunded"
	OutcomeDisputed   Outcome = "disputed"
)

// Reason is the closed set of resolution reasons recorded with an outcome.
type Reason string

const (
	ReasonNoPaymentRequired          Reason = "no_payment_required"
	ReasonPaymentCaptured            Reason = "payment_captured"
	ReasonPaymentNotCaptured         Reason = "payment_not_captured"
	ReasonCancelledRefundedBeforeCut Reason = "cancelled_refunded_before_cutoff"
	ReasonCancelledNoRefundAfterCut  Reason = "cancelled_no_refund_after_cutoff"
	ReasonCancelledNoPaymentCaptured Reason = "cancelled_no_payment_captured"
)

// CancellationSource records who initiated a cancellation.
type CancellationSource string

const (
	SourceCustomer CancellationSource = "customer"
	SourceShop     CancellationSource = "shop"
	SourceSystem   CancellationSource = "system"
)

// Appointment is one bookable reservation.
type Appointment struct {
	ID                 uuid.UUID          `json:"id"`
	ShopID             uuid.UUID          `json:"shop_id"`
	CustomerID         uuid.UUID          `json:"customer_id"`
	StartAt            time.Time          `json:"start_at"`
	EndAt              time.Time          `json:"end_at"`
	Status             Status             `json:"status"`
	PaymentRequired    bool               `json:"payment_required"`
	PaymentStatus      PaymentStatus      `json:"payment_status"`
	FinancialOutcome   Outcome            `json:"financial_outcome"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	ResolutionReason   *Reason            `json:"resolution_reason,omitempty"`
	CancellationSource CancellationSource `json:"cancellation_source,omitempty"`
	LastAuditEventID   *uuid.UUID         `json:"last_audit_event_id,omitempty"`
	PolicySnapshotID   uuid.UUID          `json:"policy_snapshot_id"`
	SlotOpeningID      *uuid.UUID         `json:"slot_opening_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// PolicySnapshot is the immutable copy of the cancellation/payment policy
// captured at booking time. Later shop-policy edits never retroactively
// affect existing appointments.
type PolicySnapshot struct {
	ID                  uuid.UUID `json:"id"`
	ShopID              uuid.UUID `json:"shop_id"`
	Currency            string    `json:"currency"`
	PaymentMode         string    `json:"payment_mode"`
	DepositAmountCents  int64     `json:"deposit_amount_cents"`
	CancelCutoffMinutes int       `json:"cancel_cutoff_minutes"`
	RefundBeforeCutoff  bool      `json:"refund_before_cutoff"`
	CreatedAt           time.Time `json:"created_at"`
}

// DepositRequired reports whether the snapshot's payment mode demands a deposit.
func (p *PolicySnapshot) DepositRequired() bool {
	return p.PaymentMode == "deposit" && p.DepositAmountCents > 0
}

// CutoffAt returns the latest instant at which a refund-eligible
// cancellation may occur for the given appointment start.
func (p *PolicySnapshot) CutoffAt(startAt time.Time) time.Time {
	return startAt.Add(-time.Duration(p.CancelCutoffMinutes) * time.Minute)
}
