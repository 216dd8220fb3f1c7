package cancellation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/bookflow-platform/internal/audit"
)

func newCancelRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/cancellations/{token}", h.Cancel)
	return r
}

func TestCancelEndpointProcessesCancellation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	apptID := uuid.New()
	shopID := uuid.New()
	snapID := uuid.New()

	// Starts in two hours with a 24h cutoff: deposit is kept.
	expectAppointmentLookup(mock, apptID, shopID, snapID, "booked", now.Add(2*time.Hour))
	expectSnapshotLookup(mock, snapID, shopID, true)
	paymentID := uuid.New()
	providerRef := "sq_pay_1"
	mock.ExpectQuery("FROM payments WHERE appointment_id").
		WithArgs(apptID).
		WillReturnRows(pgxmock.NewRows(paymentCols).
			AddRow(paymentID, apptID, shopID, int64(2500), "USD", "succeeded", &providerRef,
				nil, int64(0), nil, 1, now.Add(-72*time.Hour), now.Add(-72*time.Hour)))
	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'cancelled', financial_outcome").
		WithArgs("settled", "cancelled_no_refund_after_cutoff", "customer", now, apptID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(pgxmock.AnyArg(), apptID, audit.TypeAppointmentCancelled, pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("SET last_audit_event_id").
		WithArgs(pgxmock.AnyArg(), apptID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	engine := newTestEngine(mock, stubTokens{apptID: apptID}, &stubGateway{}, nil, now)
	router := newCancelRouter(NewHandler(engine, nil))

	req := httptest.NewRequest(http.MethodPost, "/cancellations/tok123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status  string `json:"status"`
		Outcome string `json:"outcome"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "cancelled", resp.Status)
	assert.Equal(t, "settled", resp.Outcome)
	assert.Equal(t, "cancelled_no_refund_after_cutoff", resp.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelEndpointUnknownToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	engine := newTestEngine(mock, stubTokens{err: ErrTokenNotFound}, &stubGateway{}, nil, time.Now().UTC())
	router := newCancelRouter(NewHandler(engine, nil))

	req := httptest.NewRequest(http.MethodPost, "/cancellations/expired", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelEndpointAlreadyCancelled(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	apptID := uuid.New()
	expectAppointmentLookup(mock, apptID, uuid.New(), uuid.New(), "cancelled", now.Add(48*time.Hour))

	engine := newTestEngine(mock, stubTokens{apptID: apptID}, &stubGateway{}, nil, now)
	router := newCancelRouter(NewHandler(engine, nil))

	req := httptest.NewRequest(http.MethodPost, "/cancellations/tok123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelEndpointMissingPaymentConflicts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	apptID := uuid.New()
	shopID := uuid.New()
	snapID := uuid.New()

	expectAppointmentLookup(mock, apptID, shopID, snapID, "booked", now.Add(48*time.Hour))
	expectSnapshotLookup(mock, snapID, shopID, true)
	mock.ExpectQuery("FROM payments WHERE appointment_id").
		WithArgs(apptID).
		WillReturnRows(pgxmock.NewRows(paymentCols))

	engine := newTestEngine(mock, stubTokens{apptID: apptID}, &stubGateway{}, nil, now)
	router := newCancelRouter(NewHandler(engine, nil))

	req := httptest.NewRequest(http.MethodPost, "/cancellations/tok123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelEndpointInternalError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM appointments").
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(context.DeadlineExceeded)

	engine := newTestEngine(mock, stubTokens{apptID: uuid.New()}, &stubGateway{}, nil, time.Now().UTC())
	router := newCancelRouter(NewHandler(engine, nil))

	req := httptest.NewRequest(http.MethodPost, "/cancellations/tok123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
