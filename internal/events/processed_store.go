package events

import (
	"context"
	"fmt"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
)

// ProcessedStore is the seen-set for external event ids. Handlers record the
// provider event id here before doing any other work, inside the same
// transaction as the transitions it gates, so redelivered events degrade to
// no-ops.
type ProcessedStore struct {
	db appointments.Querier
}

// NewProcessedStore creates the store.
func NewProcessedStore(db appointments.Querier) *ProcessedStore {
	if db == nil {
		panic("events: db required")
	}
	return &ProcessedStore{db: db}
}

// MarkProcessed inserts the event id for the provider, returning false when
// the event was already seen. Pass the enclosing transaction as q; a nil q
// falls back to the store's own handle.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, q appointments.Querier, provider, eventID string) (bool, error) {
	if q == nil {
		q = s.db
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
