package resolver

import "github.com/wolfman30/bookflow-platform/internal/appointments"

// Verdict is the result of applying the outcome rules to one appointment.
type Verdict struct {
	Outcome appointments.Outcome
	Reason  appointments.Reason
}

// Resolve decides the financial outcome of an ended appointment from its
// immutable policy snapshot and the observed payment state. The rules are
// total: every combination maps to exactly one verdict.
func Resolve(paymentRequired, paymentCaptured bool) Verdict {
	switch {
	case !paymentRequired:
		return Verdict{appointments.OutcomeVoided, appointments.ReasonNoPaymentRequired}
	case paymentCaptured:
		return Verdict{appointments.OutcomeSettled, appointments.ReasonPaymentCaptured}
	default:
		return Verdict{appointments.OutcomeVoided, appointments.ReasonPaymentNotCaptured}
	}
}

// ResolveOrphan decides the outcome of a cancelled appointment that never got
// one, reconstructing it from whatever refund evidence survives.
func ResolveOrphan(refundedCents int64, hasRefundID, paymentCaptured bool) Verdict {
	switch {
	case refundedCents > 0 || hasRefundID:
		return Verdict{appointments.OutcomeRefunded, appointments.ReasonCancelledRefundedBeforeCut}
	case paymentCaptured:
		return Verdict{appointments.OutcomeSettled, appointments.ReasonCancelledNoRefundAfterCut}
	default:
		return Verdict{appointments.OutcomeVoided, appointments.ReasonCancelledNoPaymentCaptured}
	}
}
