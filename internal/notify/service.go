package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
	"github.com/wolfman30/bookflow-platform/internal/customers"
	"github.com/wolfman30/bookflow-platform/internal/payments"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

type customerLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*customers.Customer, error)
}

// Service sends customer-facing notifications for booking lifecycle events.
// Delivery is best effort: failures are logged, never surfaced to the flows
// that trigger them.
type Service struct {
	sms       SMSSender
	email     EmailSender
	customers customerLookup
	logger    *logging.Logger
}

// NewService creates a notification service. sms and email may each be nil
// when the corresponding channel is not configured.
func NewService(sms SMSSender, email EmailSender, lookup customerLookup, logger *logging.Logger) *Service {
	if lookup == nil {
		panic("notify: customer lookup required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{sms: sms, email: email, customers: lookup, logger: logger}
}

// ConfirmDeposit tells the customer their deposit went through and the
// appointment is locked in.
func (s *Service) ConfirmDeposit(ctx context.Context, appt *appointments.Appointment, payment *payments.Payment) {
	cust, err := s.customers.GetByID(ctx, appt.CustomerID)
	if err != nil {
		s.logger.Warn("notify: deposit confirmation skipped, customer lookup failed",
			"appointment_id", appt.ID, "error", err)
		return
	}
	amount := formatCents(payment.AmountCents, payment.Currency)
	body := fmt.Sprintf("You're booked! Your %s deposit is confirmed for %s. Reply STOP to opt out.",
		amount, formatSlot(appt.StartAt))
	s.sendSMS(ctx, appt.ID, cust, body)
	s.sendEmail(ctx, appt.ID, cust, EmailMessage{
		Subject: "Deposit confirmed",
		Body: fmt.Sprintf("Hi %s,\n\nYour %s deposit is confirmed and your appointment on %s is booked.\n\nSee you then!",
			cust.Name, amount, formatSlot(appt.StartAt)),
	})
}

// CancellationProcessed confirms a cancellation, mentioning the refund when
// one was issued.
func (s *Service) CancellationProcessed(ctx context.Context, appt *appointments.Appointment, refundedCents int64, currency string) {
	cust, err := s.customers.GetByID(ctx, appt.CustomerID)
	if err != nil {
		s.logger.Warn("notify: cancellation notice skipped, customer lookup failed",
			"appointment_id", appt.ID, "error", err)
		return
	}
	var body string
	if refundedCents > 0 {
		body = fmt.Sprintf("Your appointment on %s is cancelled. A %s refund is on its way.",
			formatSlot(appt.StartAt), formatCents(refundedCents, currency))
	} else {
		body = fmt.Sprintf("Your appointment on %s is cancelled. Per the cancellation policy your deposit was not refunded.",
			formatSlot(appt.StartAt))
	}
	s.sendSMS(ctx, appt.ID, cust, body)
}

func (s *Service) sendSMS(ctx context.Context, apptID uuid.UUID, cust *customers.Customer, body string) {
	if s.sms == nil || cust.Phone == "" || !cust.OptedIn {
		return
	}
	if err := s.sms.SendSMS(ctx, cust.Phone, body); err != nil {
		s.logger.Warn("notify: sms send failed", "appointment_id", apptID, "error", err)
	}
}

func (s *Service) sendEmail(ctx context.Context, apptID uuid.UUID, cust *customers.Customer, msg EmailMessage) {
	if s.email == nil || cust.Email == "" {
		return
	}
	msg.To = cust.Email
	msg.ToName = cust.Name
	if err := s.email.Send(ctx, msg); err != nil {
		s.logger.Warn("notify: email send failed", "appointment_id", apptID, "error", err)
	}
}

func formatSlot(t time.Time) string {
	return t.Format("Mon Jan 2 at 3:04 PM")
}

func formatCents(cents int64, currency string) string {
	if currency == "" || currency == "USD" {
		return fmt.Sprintf("$%.2f", float64(cents)/100)
	}
	return fmt.Sprintf("%.2f %s", float64(cents)/100, currency)
}
