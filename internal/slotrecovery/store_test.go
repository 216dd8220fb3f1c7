package slotrecovery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var openingCols = []string{
	"id", "shop_id", "source_appointment_id", "start_at", "end_at", "status",
	"filled_by_appointment_id", "offer_round", "created_at", "updated_at",
}

func openingRowValues(o *Opening) []any {
	return []any{
		o.ID, o.ShopID, o.SourceAppointmentID, o.StartAt, o.EndAt, o.Status,
		o.FilledByAppointmentID, o.OfferRound, o.CreatedAt, o.UpdatedAt,
	}
}

func testOpening(status OpeningStatus, startAt time.Time) *Opening {
	return &Opening{
		ID:                  uuid.New(),
		ShopID:              uuid.New(),
		SourceAppointmentID: uuid.New(),
		StartAt:             startAt,
		EndAt:               startAt.Add(time.Hour),
		Status:              status,
		CreatedAt:           startAt.Add(-2 * time.Hour),
		UpdatedAt:           startAt.Add(-2 * time.Hour),
	}
}

func TestCreateOpeningDuplicateIsNoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	o := testOpening(OpeningOpen, time.Now().UTC().Add(4*time.Hour))
	mock.ExpectExec("INSERT INTO slot_openings").
		WithArgs(pgxmock.AnyArg(), o.ShopID, o.SourceAppointmentID, o.StartAt, o.EndAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	store := NewStore(mock)
	fresh, err := store.CreateOpening(context.Background(), mock, o)
	require.NoError(t, err)
	assert.False(t, fresh, "a second open opening for the same slot must not insert")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFillOpeningSingleWinner(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	openingID := uuid.New()
	apptID := uuid.New()
	mock.ExpectExec("SET status = 'filled', filled_by_appointment_id").
		WithArgs(apptID, openingID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET status = 'filled', filled_by_appointment_id").
		WithArgs(uuid.Nil, openingID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock)
	won, err := store.FillOpening(context.Background(), mock, openingID, apptID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.FillOpening(context.Background(), mock, openingID, uuid.Nil)
	require.NoError(t, err)
	assert.False(t, won, "only the first fill can land")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReopenOpeningGuardedByFiller(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	openingID := uuid.New()
	otherAppt := uuid.New()
	mock.ExpectExec("SET status = 'open', filled_by_appointment_id = NULL, offer_round").
		WithArgs(openingID, otherAppt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock)
	ok, err := store.ReopenOpening(context.Background(), mock, openingID, otherAppt)
	require.NoError(t, err)
	assert.False(t, ok, "a reopen keyed to the wrong appointment must not undo a legitimate fill")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkOfferAcceptedRejectsExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	offerID := uuid.New()
	now := time.Now().UTC()
	mock.ExpectExec("SET status = 'accepted'").
		WithArgs(now, offerID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock)
	ok, err := store.MarkOfferAccepted(context.Background(), mock, offerID, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeclineAcceptedOfferFlipsByOpening(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	openingID := uuid.New()
	now := time.Now().UTC()
	mock.ExpectExec("WHERE opening_id = \\$2 AND status = 'accepted'").
		WithArgs(now, openingID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("WHERE opening_id = \\$2 AND status = 'accepted'").
		WithArgs(now, openingID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock)
	ok, err := store.DeclineAcceptedOffer(context.Background(), mock, openingID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.DeclineAcceptedOffer(context.Background(), mock, openingID, now)
	require.NoError(t, err)
	assert.False(t, ok, "a second decline finds nothing accepted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCandidatesExcludesBookedOverlaps(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	shopID := uuid.New()
	excluded := uuid.New()
	startAt := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	endAt := startAt.Add(time.Hour)
	free := uuid.New()

	// The NOT EXISTS clause keeps customers already booked over the window
	// out of the round.
	mock.ExpectQuery(`NOT EXISTS \(\s+SELECT 1 FROM appointments a`).
		WithArgs(shopID, excluded, true, startAt, endAt, 25).
		WillReturnRows(pgxmock.NewRows(candidateCols).
			AddRow(free, "Ava", "+15550000001", 1, nil, nil))

	store := NewStore(mock)
	out, err := store.ListCandidates(context.Background(), shopID, excluded, true, startAt, endAt, 25)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, free, out[0].CustomerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindActiveOfferByPhoneNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("FROM slot_offers f").
		WithArgs("+15551234567", now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	store := NewStore(mock)
	_, _, err = store.FindActiveOfferByPhone(context.Background(), "+15551234567", now)
	assert.ErrorIs(t, err, ErrOfferNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOpeningNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("FROM slot_openings WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(openingCols))

	store := NewStore(mock)
	_, err = store.GetOpening(context.Background(), id)
	assert.ErrorIs(t, err, ErrOpeningNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShopStatsAggregates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	shopID := uuid.New()
	since := time.Now().UTC().Add(-30 * 24 * time.Hour)
	mock.ExpectQuery("FROM slot_openings").
		WithArgs(shopID, since).
		WillReturnRows(pgxmock.NewRows([]string{"created", "filled", "expired", "open"}).
			AddRow(10, 6, 3, 1))
	mock.ExpectQuery("FROM slot_offers f").
		WithArgs(shopID, since).
		WillReturnRows(pgxmock.NewRows([]string{"sent", "accepted", "declined"}).
			AddRow(28, 6, 4))

	store := NewStore(mock)
	stats, err := store.ShopStats(context.Background(), shopID, since)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.OpeningsCreated)
	assert.Equal(t, 6, stats.OpeningsFilled)
	assert.Equal(t, 28, stats.OffersSent)
	assert.NoError(t, mock.ExpectationsWereMet())
}
