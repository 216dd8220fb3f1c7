package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
	"github.com/wolfman30/bookflow-platform/internal/audit"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

var webhookTracer = otel.Tracer("bookflow.internal.payments.webhook")

type processedTracker interface {
	MarkProcessed(ctx context.Context, q Querier, provider, eventID string) (bool, error)
}

// slotReopener puts a recovered slot back into play when the winner's
// deposit fails. Implemented by the slot-recovery engine.
type slotReopener interface {
	ReopenFromFailedPayment(ctx context.Context, openingID, appointmentID uuid.UUID) error
}

// depositConfirmer fires the best-effort booking confirmation.
type depositConfirmer interface {
	ConfirmDeposit(ctx context.Context, appt *appointments.Appointment, payment *Payment)
}

// SquareWebhookHandler processes payment lifecycle events from the gateway.
type SquareWebhookHandler struct {
	signatureKey string
	payments     *Store
	appts        *appointments.Store
	auditLog     *audit.Store
	processed    processedTracker
	recovery     slotReopener
	confirm      depositConfirmer
	logger       *logging.Logger
}

// NewSquareWebhookHandler wires the webhook entry point.
func NewSquareWebhookHandler(sigKey string, paymentStore *Store, apptStore *appointments.Store, auditLog *audit.Store, processed processedTracker, recovery slotReopener, confirm depositConfirmer, logger *logging.Logger) *SquareWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SquareWebhookHandler{
		signatureKey: sigKey,
		payments:     paymentStore,
		appts:        apptStore,
		auditLog:     auditLog,
		processed:    processed,
		recovery:     recovery,
		confirm:      confirm,
		logger:       logger,
	}
}

// Handle implements POST /webhooks/square.
func (h *SquareWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := webhookTracer.Start(r.Context(), "payments.square.webhook")
	defer span.End()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !verifySquareSignature(h.signatureKey, buildAbsoluteURL(r), payload, r.Header.Get("X-Square-Signature")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var evt squarePaymentEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode square event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	eventID := evt.EventID
	if eventID == "" {
		eventID = evt.ID
	}
	if eventID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	payment, err := h.lookupPayment(ctx, &evt)
	if err != nil {
		// Nothing to correlate; acknowledge so the provider stops retrying.
		h.logger.Warn("square webhook payment lookup failed", "error", err, "event_id", eventID)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch evt.Data.Object.Payment.Status {
	case "COMPLETED":
		err = h.handleCompleted(ctx, eventID, payment, evt.Data.Object.Payment.ID)
	case "FAILED", "CANCELED":
		err = h.handleFailed(ctx, eventID, payment)
	default:
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		h.logger.Error("square webhook processing failed", "error", err, "event_id", eventID)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleCompleted records the capture and confirms the appointment in one
// transaction. The event id goes into the seen-set first, inside the same
// transaction, so a redelivered event rolls up to a no-op.
func (h *SquareWebhookHandler) handleCompleted(ctx context.Context, eventID string, payment *Payment, providerRef string) error {
	now := time.Now().UTC()
	tx, err := h.appts.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("payments: webhook begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fresh, err := h.processed.MarkProcessed(ctx, tx, "square", eventID)
	if err != nil {
		return err
	}
	if !fresh {
		return tx.Commit(ctx)
	}

	if _, err := h.payments.MarkCaptured(ctx, tx, payment.ID, providerRef); err != nil {
		return err
	}
	confirmed, err := h.appts.MarkDepositPaid(ctx, tx, payment.AppointmentID)
	if err != nil {
		return err
	}
	auditID, appended, err := h.auditLog.Append(ctx, tx, payment.AppointmentID, audit.TypeDepositPaid, audit.Payload{
		PaymentID:     &payment.ID,
		PaymentStatus: "succeeded",
	}, now)
	if err != nil {
		return err
	}
	if appended {
		if err := h.appts.SetLastAuditEvent(ctx, tx, payment.AppointmentID, auditID); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payments: webhook commit: %w", err)
	}

	if confirmed && h.confirm != nil {
		appt, err := h.appts.GetByID(ctx, payment.AppointmentID)
		if err != nil {
			h.logger.Warn("confirmation lookup failed", "error", err, "appointment_id", payment.AppointmentID)
			return nil
		}
		// Best effort; a notification failure never fails the webhook.
		h.confirm.ConfirmDeposit(ctx, appt, payment)
	}
	return nil
}

// handleFailed marks the payment failed and, for a slot-recovery-sourced
// appointment, hands the opening back to the recovery engine fire-and-forget.
func (h *SquareWebhookHandler) handleFailed(ctx context.Context, eventID string, payment *Payment) error {
	now := time.Now().UTC()
	tx, err := h.appts.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("payments: webhook begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fresh, err := h.processed.MarkProcessed(ctx, tx, "square", eventID)
	if err != nil {
		return err
	}
	if !fresh {
		return tx.Commit(ctx)
	}

	if _, err := h.payments.MarkFailed(ctx, tx, payment.ID); err != nil {
		return err
	}
	if _, err := h.appts.MarkDepositFailed(ctx, tx, payment.AppointmentID); err != nil {
		return err
	}
	if _, _, err := h.auditLog.Append(ctx, tx, payment.AppointmentID, audit.TypeDepositFailed, audit.Payload{
		PaymentID:     &payment.ID,
		PaymentStatus: "failed",
	}, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payments: webhook commit: %w", err)
	}

	appt, err := h.appts.GetByID(ctx, payment.AppointmentID)
	if err != nil {
		h.logger.Warn("failed-payment appointment lookup failed", "error", err, "appointment_id", payment.AppointmentID)
		return nil
	}
	if appt.SlotOpeningID != nil && h.recovery != nil {
		openingID := *appt.SlotOpeningID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.recovery.ReopenFromFailedPayment(ctx, openingID, appt.ID); err != nil {
				h.logger.Error("slot reopen after failed deposit failed",
					"error", err, "opening_id", openingID, "appointment_id", appt.ID)
			}
		}()
	}
	return nil
}

func (h *SquareWebhookHandler) lookupPayment(ctx context.Context, evt *squarePaymentEvent) (*Payment, error) {
	if intentID := evt.Data.Object.Payment.Metadata["payment_intent_id"]; intentID != "" {
		id, err := uuid.Parse(intentID)
		if err == nil {
			return h.payments.GetByID(ctx, id)
		}
	}
	if ref := evt.Data.Object.Payment.ID; ref != "" {
		return h.payments.GetByProviderRef(ctx, ref)
	}
	return nil, ErrPaymentNotFound
}

func verifySquareSignature(key, url string, body []byte, header string) bool {
	if key == "" || header == "" {
		return false
	}
	message := url + string(body)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(message))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

type squarePaymentEvent struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
	Type      string    `json:"type"`
	Data      struct {
		Object struct {
			Payment struct {
				ID          string            `json:"id"`
				Status      string            `json:"status"`
				AmountMoney squareMoney       `json:"amount_money"`
				Metadata    map[string]string `json:"metadata"`
			} `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func buildAbsoluteURL(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}
