package cancellation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
	"github.com/wolfman30/bookflow-platform/internal/payments"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// Handler serves customer cancellation links.
type Handler struct {
	engine *Engine
	logger *logging.Logger
}

// NewHandler wires the cancellation endpoint.
func NewHandler(engine *Engine, logger *logging.Logger) *Handler {
	if engine == nil {
		panic("cancellation: engine required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

type cancelResponse struct {
	Status        string `json:"status"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason"`
	RefundID      string `json:"refund_id,omitempty"`
	RefundedCents int64  `json:"refunded_cents,omitempty"`
}

// Cancel handles POST /cancellations/{token}.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		http.Error(w, "token required", http.StatusNotFound)
		return
	}

	result, err := h.engine.CancelByToken(r.Context(), token)
	switch {
	case err == nil:
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, appointments.ErrAppointmentNotFound):
		http.Error(w, "cancellation link not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrNotCancellable):
		http.Error(w, "appointment can no longer be cancelled", http.StatusConflict)
		return
	case errors.Is(err, payments.ErrPaymentNotFound):
		http.Error(w, "payment record missing for this appointment", http.StatusConflict)
		return
	default:
		h.logger.Error("cancellation failed", "error", err)
		http.Error(w, "cancellation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cancelResponse{
		Status:        string(result.Appointment.Status),
		Outcome:       string(result.Outcome),
		Reason:        string(result.Reason),
		RefundID:      result.RefundID,
		RefundedCents: result.RefundedCents,
	})
}
