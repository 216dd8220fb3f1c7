package slotrecovery

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOptOuts struct {
	phones []string
}

func (r *recordingOptOuts) OptOutByPhone(ctx context.Context, phone string) (int64, error) {
	r.phones = append(r.phones, phone)
	return 1, nil
}

func postSMS(t *testing.T, h *ReplyHandler, from, body string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"From": {from}, "Body": {body}}
	req := httptest.NewRequest("POST", "http://localhost/webhooks/sms/reply", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.InboundSMS(rec, req)
	return rec
}

func TestKeywordMatching(t *testing.T) {
	for _, w := range []string{"YES", "yes", " y ", "Yeah!", "claim", "Book."} {
		assert.True(t, isConfirm(w), w)
	}
	for _, w := range []string{"NO", "nope", "Pass", "skip"} {
		assert.True(t, isDecline(w), w)
	}
	for _, w := range []string{"STOP", "stopall", "Unsubscribe", "QUIT"} {
		assert.True(t, isOptOut(w), w)
	}
	for _, w := range []string{"yes please", "maybe", "", "what is this"} {
		assert.False(t, isConfirm(w) || isDecline(w) || isOptOut(w), w)
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+15551234567", normalizePhone("+1 (555) 123-4567"))
	assert.Equal(t, "+15551234567", normalizePhone("15551234567"))
	assert.Equal(t, "", normalizePhone("  "))
	assert.Equal(t, "", normalizePhone("abc"))
}

func TestInboundSMSOptOut(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	optOuts := &recordingOptOuts{}
	acceptor := newTestAcceptor(mock, nil, nil, nil, time.Now().UTC())
	h := NewReplyHandler(acceptor, optOuts, "", nil)

	rec := postSMS(t, h, "+1 (555) 123-4567", "STOP")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, []string{"+15551234567"}, optOuts.phones)
	// Carriers confirm STOP themselves, so the TwiML carries no message.
	assert.NotContains(t, rec.Body.String(), "<Message>")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundSMSUnknownKeywordGetsHelp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	acceptor := newTestAcceptor(mock, nil, nil, nil, time.Now().UTC())
	h := NewReplyHandler(acceptor, nil, "", nil)

	rec := postSMS(t, h, "+15551234567", "maybe later")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "Reply YES to claim an open slot")
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundSMSConfirmWithoutOffer(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM slot_offers f").
		WithArgs("+15551234567", now).
		WillReturnRows(pgxmock.NewRows(offerJoinCols))

	acceptor := newTestAcceptor(mock, nil, nil, nil, now)
	h := NewReplyHandler(acceptor, nil, "", nil)

	rec := postSMS(t, h, "+15551234567", "YES")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "We don't have an active offer")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundSMSDecline(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	opening := testOpening(OpeningOpen, now.Add(2*time.Hour))
	offer := liveOffer(opening, now)
	offer.Phone = "+15551234567"

	expectOfferLookup(mock, offer.Phone, now, offer, opening)
	mock.ExpectExec("SET status = 'declined'").
		WithArgs(now, offer.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	acceptor := newTestAcceptor(mock, nil, nil, nil, now)
	h := NewReplyHandler(acceptor, nil, "", nil)

	rec := postSMS(t, h, "+15551234567", "no")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "keep you in mind")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundSMSRejectsBadSignature(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	acceptor := newTestAcceptor(mock, nil, nil, nil, time.Now().UTC())
	h := NewReplyHandler(acceptor, nil, "twilio-auth-token", nil)

	form := url.Values{"From": {"+15551234567"}, "Body": {"YES"}}
	req := httptest.NewRequest("POST", "http://localhost/webhooks/sms/reply", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "forged")
	rec := httptest.NewRecorder()

	h.InboundSMS(rec, req)
	assert.Equal(t, 401, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInboundSMSAcceptsValidSignature(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	acceptor := newTestAcceptor(mock, nil, nil, nil, time.Now().UTC())
	h := NewReplyHandler(acceptor, nil, "twilio-auth-token", nil)

	form := url.Values{"From": {"+15551234567"}, "Body": {"hello"}}
	webhookURL := "http://localhost/webhooks/sms/reply"
	req := httptest.NewRequest("POST", webhookURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature",
		computeTwilioSignature(buildSignaturePayload(webhookURL, form), "twilio-auth-token"))
	rec := httptest.NewRecorder()

	h.InboundSMS(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildSignaturePayloadSortsParams(t *testing.T) {
	params := url.Values{"B": {"2"}, "A": {"1"}, "C": {"3"}}
	payload := buildSignaturePayload("https://x.test/hook", params)
	assert.Equal(t, "https://x.test/hookA1B2C3", payload)
}
