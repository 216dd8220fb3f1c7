package resolver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// Handler exposes the resolver as a scheduler-triggered job endpoint.
type Handler struct {
	resolver   *Resolver
	production bool
	logger     *logging.Logger
}

// NewHandler wires the job endpoint. In production the lock partition from
// the request body is ignored so every scheduled run contends on the same
// lock.
func NewHandler(r *Resolver, production bool, logger *logging.Logger) *Handler {
	if r == nil {
		panic("resolver: resolver required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{resolver: r, production: production, logger: logger}
}

type runRequest struct {
	Limit         int   `json:"limit"`
	LockPartition int32 `json:"lock_partition"`
}

// Run handles POST /jobs/resolve-outcomes. The body is optional; an empty
// body runs with defaults.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	params := RunParams{Limit: req.Limit}
	if !h.production {
		params.LockPartition = req.LockPartition
	}

	report, err := h.resolver.Run(r.Context(), params)
	if err != nil {
		h.logger.Error("resolver: job run failed", "error", err)
		http.Error(w, "resolver run failed", http.StatusInternalServerError)
		return
	}

	// A lock-busy pass still answers 200: the scheduler's delivery worked,
	// the overlapping run is reported in the body.
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
