package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

var refundTracer = otel.Tracer("bookflow.internal.payments.refund")

// ErrAlreadyRefunded is returned when the gateway reports the payment was
// refunded by an earlier request. Callers resolve it by looking up the
// existing refund instead of failing.
var ErrAlreadyRefunded = errors.New("payments: already refunded")

// RefundClient issues refunds against a Square-compatible refunds API.
type RefundClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *logging.Logger
}

// RefundRequest contains the details for a refund.
type RefundRequest struct {
	// AppointmentID keys the deterministic idempotency key, so a retried
	// refund for the same appointment returns the same result.
	AppointmentID uuid.UUID
	PaymentRef    string
	AmountCents   int64
	Currency      string
	Reason        string
}

// RefundResult contains the gateway's view of a refund.
type RefundResult struct {
	RefundID    string
	Status      string
	AmountCents int64
	CreatedAt   time.Time
}

// NewRefundClient creates a refund client.
func NewRefundClient(baseURL, accessToken string, logger *logging.Logger) *RefundClient {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://connect.squareup.com"
	}
	return &RefundClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
	}
}

// Refund issues one refund. The idempotency key is derived from the
// appointment id, never from the clock, so gateway-side deduplication makes
// retries return the original refund.
func (c *RefundClient) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, span := refundTracer.Start(ctx, "square.refund_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("bookflow.appointment_id", req.AppointmentID.String()),
		attribute.String("square.payment_id", req.PaymentRef),
		attribute.Int64("bookflow.amount_cents", req.AmountCents),
	)

	body := map[string]any{
		"idempotency_key": IdempotencyKey(req.AppointmentID),
		"payment_id":      req.PaymentRef,
		"amount_money": map[string]any{
			"amount":   req.AmountCents,
			"currency": req.Currency,
		},
	}
	if req.Reason != "" {
		body["reason"] = req.Reason
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("payments: refund marshal: %w", err)
	}

	apiURL := fmt.Sprintf("%s/v2/refunds", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("payments: refund request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Square-Version", "2025-01-16")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payments: refund http: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		if isAlreadyRefunded(respBody) {
			return nil, ErrAlreadyRefunded
		}
		c.logger.Error("square refund failed",
			"status", resp.StatusCode,
			"body", string(respBody),
			"payment_ref", req.PaymentRef,
		)
		return nil, fmt.Errorf("payments: square refund api status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Refund squareRefund `json:"refund"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("payments: refund decode: %w", err)
	}

	result := parsed.Refund.toResult()
	c.logger.Info("refund processed",
		"refund_id", result.RefundID,
		"payment_ref", req.PaymentRef,
		"status", result.Status,
		"amount_cents", result.AmountCents,
	)
	return result, nil
}

// LookupRefundByPayment finds the existing refund for a gateway payment id.
// Used to resolve ErrAlreadyRefunded idempotently.
func (c *RefundClient) LookupRefundByPayment(ctx context.Context, paymentRef string) (*RefundResult, error) {
	ctx, span := refundTracer.Start(ctx, "square.list_refunds")
	defer span.End()
	span.SetAttributes(attribute.String("square.payment_id", paymentRef))

	apiURL := fmt.Sprintf("%s/v2/refunds?payment_id=%s", c.baseURL, paymentRef)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("payments: refund lookup request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("Square-Version", "2025-01-16")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payments: refund lookup http: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("payments: refund lookup api status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Refunds []squareRefund `json:"refunds"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("payments: refund lookup decode: %w", err)
	}
	if len(parsed.Refunds) == 0 {
		return nil, fmt.Errorf("payments: no refund on record for payment %s", paymentRef)
	}
	return parsed.Refunds[0].toResult(), nil
}

// IdempotencyKey derives the stable gateway idempotency key for an
// appointment's cancellation refund.
func IdempotencyKey(appointmentID uuid.UUID) string {
	return "cancel-refund-" + appointmentID.String()
}

type squareRefund struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	AmountMoney struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
}

func (r squareRefund) toResult() *RefundResult {
	createdAt, _ := time.Parse(time.RFC3339, r.CreatedAt)
	return &RefundResult{
		RefundID:    r.ID,
		Status:      r.Status,
		AmountCents: r.AmountMoney.Amount,
		CreatedAt:   createdAt,
	}
}

func isAlreadyRefunded(body []byte) bool {
	var parsed struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	for _, e := range parsed.Errors {
		if e.Code == "PAYMENT_ALREADY_REFUNDED" || e.Code == "REFUND_ALREADY_PENDING" {
			return true
		}
	}
	return false
}
