package appointments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPolicyProvider struct {
	policy *PolicyInput
	err    error
}

func (s stubPolicyProvider) CurrentPolicy(ctx context.Context, shopID uuid.UUID) (*PolicyInput, error) {
	return s.policy, s.err
}

type stubIntentCreator struct {
	intentID uuid.UUID
	calls    int
}

func (s *stubIntentCreator) CreateIntent(ctx context.Context, q Querier, appointmentID, shopID uuid.UUID, amountCents int64, currency string) (uuid.UUID, error) {
	s.calls++
	return s.intentID, nil
}

func depositPolicy() *PolicyInput {
	return &PolicyInput{
		Currency:            "USD",
		PaymentMode:         "deposit",
		DepositAmountCents:  2500,
		CancelCutoffMinutes: 1440,
		RefundBeforeCutoff:  true,
	}
}

func TestCreateBookingWithDeposit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	shopID := uuid.New()
	customerID := uuid.New()
	start := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO policy_snapshots").
		WithArgs(pgxmock.AnyArg(), shopID, "USD", "deposit", int64(2500), 1440, true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), shopID, customerID, start, start.Add(30*time.Minute), "pending",
			true, "pending", "unresolved", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	intents := &stubIntentCreator{intentID: uuid.New()}
	svc := NewService(NewStore(mock), stubPolicyProvider{policy: depositPolicy()}, intents, "https://book.example.com/", nil)

	booking, err := svc.CreateBooking(context.Background(), BookingRequest{
		ShopID:     shopID,
		CustomerID: customerID,
		StartAt:    start,
		EndAt:      start.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, booking.Appointment.Status)
	assert.Equal(t, PaymentPending, booking.Appointment.PaymentStatus)
	assert.True(t, booking.Appointment.PaymentRequired)
	assert.Equal(t, 1, intents.calls)
	require.NotNil(t, booking.PaymentIntentID)
	assert.Equal(t, "https://book.example.com/pay/"+intents.intentID.String(), booking.PaymentURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingFreeModeBooksImmediately(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	shopID := uuid.New()
	start := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO policy_snapshots").
		WithArgs(pgxmock.AnyArg(), shopID, "USD", "none", int64(0), 1440, true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), shopID, pgxmock.AnyArg(), start, start.Add(time.Hour), "booked",
			false, "unpaid", "unresolved", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	policy := depositPolicy()
	policy.PaymentMode = "none"
	policy.DepositAmountCents = 0
	intents := &stubIntentCreator{intentID: uuid.New()}
	svc := NewService(NewStore(mock), stubPolicyProvider{policy: policy}, intents, "", nil)

	booking, err := svc.CreateBooking(context.Background(), BookingRequest{
		ShopID:     shopID,
		CustomerID: uuid.New(),
		StartAt:    start,
		EndAt:      start.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, booking.Appointment.Status)
	assert.False(t, booking.Appointment.PaymentRequired)
	assert.Nil(t, booking.PaymentIntentID)
	assert.Zero(t, intents.calls, "free bookings never open payment intents")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingSlotTaken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO policy_snapshots").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "appointments_shop_id_start_at_key"})
	mock.ExpectRollback()

	svc := NewService(NewStore(mock), stubPolicyProvider{policy: depositPolicy()}, nil, "", nil)

	start := time.Now().UTC().Add(time.Hour)
	_, err = svc.CreateBooking(context.Background(), BookingRequest{
		ShopID:     uuid.New(),
		CustomerID: uuid.New(),
		StartAt:    start,
		EndAt:      start.Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingRejectsInvertedWindow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	svc := NewService(NewStore(mock), stubPolicyProvider{policy: depositPolicy()}, nil, "", nil)

	start := time.Now().UTC()
	_, err = svc.CreateBooking(context.Background(), BookingRequest{
		ShopID:     uuid.New(),
		CustomerID: uuid.New(),
		StartAt:    start,
		EndAt:      start,
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingPolicyLookupFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	svc := NewService(NewStore(mock), stubPolicyProvider{err: errors.New("settings unavailable")}, nil, "", nil)

	start := time.Now().UTC()
	_, err = svc.CreateBooking(context.Background(), BookingRequest{
		ShopID:     uuid.New(),
		CustomerID: uuid.New(),
		StartAt:    start,
		EndAt:      start.Add(time.Hour),
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
