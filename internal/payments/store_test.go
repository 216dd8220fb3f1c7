package payments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paymentTestCols = []string{
	"id", "appointment_id", "shop_id", "amount_cents", "currency", "status", "provider_ref",
	"refund_id", "refunded_amount_cents", "refunded_at", "attempts", "created_at", "updated_at",
}

func TestRecordRefundWritesOnce(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	at := time.Now().UTC()
	mock.ExpectExec("SET status = 'refunded', refund_id").
		WithArgs("rf_1", int64(2500), at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewStore(mock)
	ok, err := store.RecordRefund(context.Background(), mock, id, "rf_1", 2500, at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRefundSecondWriteIsNoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	at := time.Now().UTC()
	// refund_id already set: the IS NULL guard matches zero rows.
	mock.ExpectExec("SET status = 'refunded', refund_id").
		WithArgs("rf_2", int64(2500), at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock)
	ok, err := store.RecordRefund(context.Background(), mock, id, "rf_2", 2500, at)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCapturedOnlyFromPendingOrFailed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec("SET status = 'succeeded', provider_ref").
		WithArgs("sq_pay_1", id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock)
	ok, err := store.MarkCaptured(context.Background(), mock, id, "sq_pay_1")
	require.NoError(t, err)
	assert.False(t, ok, "capture on a refunded payment must not land")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedIncrementsAttempts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec("SET status = 'failed', attempts = attempts").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewStore(mock)
	ok, err := store.MarkFailed(context.Background(), mock, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByAppointmentNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	apptID := uuid.New()
	mock.ExpectQuery("FROM payments WHERE appointment_id").
		WithArgs(apptID).
		WillReturnRows(pgxmock.NewRows(paymentTestCols))

	store := NewStore(mock)
	_, err = store.GetByAppointment(context.Background(), apptID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapturedStatuses(t *testing.T) {
	assert.True(t, (&Payment{Status: "succeeded"}).Captured())
	assert.True(t, (&Payment{Status: "refunded"}).Captured())
	assert.False(t, (&Payment{Status: "pending"}).Captured())
	assert.False(t, (&Payment{Status: "failed"}).Captured())
}
