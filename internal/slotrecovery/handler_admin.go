package slotrecovery

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// AdminHandler serves operator-facing recovery reporting.
type AdminHandler struct {
	store  *Store
	logger *logging.Logger
}

// NewAdminHandler wires the admin endpoints.
func NewAdminHandler(store *Store, logger *logging.Logger) *AdminHandler {
	if store == nil {
		panic("slotrecovery: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{store: store, logger: logger}
}

// Stats handles GET /admin/shops/{shopID}/recovery-stats. The optional
// since query parameter (RFC 3339) defaults to the last 30 days.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	shopID, err := uuid.Parse(chi.URLParam(r, "shopID"))
	if err != nil {
		http.Error(w, "invalid shop id", http.StatusBadRequest)
		return
	}

	since := time.Now().AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	stats, err := h.store.ShopStats(r.Context(), shopID, since)
	if err != nil {
		h.logger.Error("recovery stats failed", "shop_id", shopID, "error", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
