package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
	"github.com/wolfman30/bookflow-platform/internal/customers"
	"github.com/wolfman30/bookflow-platform/internal/payments"
)

type stubSMS struct {
	sent []string
	to   []string
	err  error
}

func (s *stubSMS) SendSMS(_ context.Context, to, body string) error {
	if s.err != nil {
		return s.err
	}
	s.to = append(s.to, to)
	s.sent = append(s.sent, body)
	return nil
}

type stubEmail struct {
	sent []EmailMessage
}

func (s *stubEmail) Send(_ context.Context, msg EmailMessage) error {
	s.sent = append(s.sent, msg)
	return nil
}

type stubCustomers struct {
	byID map[uuid.UUID]*customers.Customer
}

func (s *stubCustomers) GetByID(_ context.Context, id uuid.UUID) (*customers.Customer, error) {
	c, ok := s.byID[id]
	if !ok {
		return nil, customers.ErrCustomerNotFound
	}
	return c, nil
}

func testCustomer(id uuid.UUID) *customers.Customer {
	return &customers.Customer{
		ID:      id,
		Name:    "Dana Reyes",
		Phone:   "+15551230001",
		Email:   "dana@example.com",
		OptedIn: true,
	}
}

func testAppointment(custID uuid.UUID) *appointments.Appointment {
	return &appointments.Appointment{
		ID:         uuid.New(),
		CustomerID: custID,
		StartAt:    time.Date(2026, 6, 12, 14, 0, 0, 0, time.UTC),
	}
}

func TestConfirmDepositSendsBothChannels(t *testing.T) {
	custID := uuid.New()
	sms := &stubSMS{}
	email := &stubEmail{}
	svc := NewService(sms, email, &stubCustomers{byID: map[uuid.UUID]*customers.Customer{
		custID: testCustomer(custID),
	}}, nil)

	svc.ConfirmDeposit(context.Background(), testAppointment(custID), &payments.Payment{
		AmountCents: 2500,
		Currency:    "USD",
	})

	require.Len(t, sms.sent, 1)
	assert.Contains(t, sms.sent[0], "$25.00")
	assert.Contains(t, sms.sent[0], "Fri Jun 12 at 2:00 PM")
	require.Len(t, email.sent, 1)
	assert.Equal(t, "dana@example.com", email.sent[0].To)
	assert.Equal(t, "Deposit confirmed", email.sent[0].Subject)
}

func TestConfirmDepositSkipsOptedOutSMS(t *testing.T) {
	custID := uuid.New()
	cust := testCustomer(custID)
	cust.OptedIn = false
	sms := &stubSMS{}
	email := &stubEmail{}
	svc := NewService(sms, email, &stubCustomers{byID: map[uuid.UUID]*customers.Customer{custID: cust}}, nil)

	svc.ConfirmDeposit(context.Background(), testAppointment(custID), &payments.Payment{AmountCents: 2500, Currency: "USD"})

	assert.Empty(t, sms.sent)
	assert.Len(t, email.sent, 1)
}

func TestConfirmDepositUnknownCustomerIsSilent(t *testing.T) {
	sms := &stubSMS{}
	svc := NewService(sms, nil, &stubCustomers{byID: map[uuid.UUID]*customers.Customer{}}, nil)

	svc.ConfirmDeposit(context.Background(), testAppointment(uuid.New()), &payments.Payment{AmountCents: 2500})

	assert.Empty(t, sms.sent)
}

func TestCancellationProcessedMentionsRefund(t *testing.T) {
	custID := uuid.New()
	sms := &stubSMS{}
	svc := NewService(sms, nil, &stubCustomers{byID: map[uuid.UUID]*customers.Customer{
		custID: testCustomer(custID),
	}}, nil)

	svc.CancellationProcessed(context.Background(), testAppointment(custID), 2500, "USD")

	require.Len(t, sms.sent, 1)
	assert.Contains(t, sms.sent[0], "$25.00 refund")
}

func TestCancellationProcessedAfterCutoff(t *testing.T) {
	custID := uuid.New()
	sms := &stubSMS{}
	svc := NewService(sms, nil, &stubCustomers{byID: map[uuid.UUID]*customers.Customer{
		custID: testCustomer(custID),
	}}, nil)

	svc.CancellationProcessed(context.Background(), testAppointment(custID), 0, "USD")

	require.Len(t, sms.sent, 1)
	assert.Contains(t, sms.sent[0], "not refunded")
}

func TestSendFailuresAreSwallowed(t *testing.T) {
	custID := uuid.New()
	sms := &stubSMS{err: errors.New("carrier down")}
	svc := NewService(sms, nil, &stubCustomers{byID: map[uuid.UUID]*customers.Customer{
		custID: testCustomer(custID),
	}}, nil)

	assert.NotPanics(t, func() {
		svc.CancellationProcessed(context.Background(), testAppointment(custID), 0, "USD")
	})
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$25.00", formatCents(2500, "USD"))
	assert.Equal(t, "$0.50", formatCents(50, ""))
	assert.Equal(t, "30.00 EUR", formatCents(3000, "EUR"))
}
