package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	apptID := uuid.New()
	paymentID := uuid.New()
	at := time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(pgxmock.AnyArg(), apptID, TypeOutcomeResolved, pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, written, err := store.Append(context.Background(), mock, apptID, TypeOutcomeResolved, Payload{
		PaymentID: &paymentID,
		Outcome:   "settled",
		Reason:    "payment_captured",
	}, at)
	require.NoError(t, err)
	assert.True(t, written)
	assert.NotEqual(t, uuid.Nil, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendDuplicateIsNoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	apptID := uuid.New()
	at := time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(pgxmock.AnyArg(), apptID, TypeDepositPaid, pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, written, err := store.Append(context.Background(), mock, apptID, TypeDepositPaid, Payload{}, at)
	require.NoError(t, err)
	assert.False(t, written)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListForAppointmentOldestFirst(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	apptID := uuid.New()
	first := uuid.New()
	second := uuid.New()
	t0 := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM audit_events").
		WithArgs(apptID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "appointment_id", "event_type", "payload", "created_at"}).
			AddRow(first, apptID, TypeDepositPaid, []byte(`{"payment_status":"succeeded"}`), t0).
			AddRow(second, apptID, TypeOutcomeResolved, []byte(`{"outcome":"settled"}`), t0.Add(time.Hour)))

	events, err := store.ListForAppointment(context.Background(), apptID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeDepositPaid, events[0].Type)
	assert.Equal(t, TypeOutcomeResolved, events[1].Type)
	assert.Equal(t, json.RawMessage(`{"outcome":"settled"}`), events[1].Payload)
	require.NoError(t, mock.ExpectationsWereMet())
}
