package cancellation

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
)

// ErrTokenNotFound is returned when a cancellation link does not resolve:
// unknown, expired, or already spent.
var ErrTokenNotFound = errors.New("cancellation: token not found")

// tokenTTL outlives any realistic booking horizon; the link dies on use or
// when this window closes, whichever comes first.
const tokenTTL = 90 * 24 * time.Hour

// TokenStore maps opaque cancellation-link tokens to appointments. Only the
// SHA-256 of a token is stored, so a database leak exposes no usable links.
// Tokens are single-purpose: they identify the appointment but carry no
// policy, so a stale link can never bypass the snapshot rules.
type TokenStore struct {
	db  appointments.Querier
	now func() time.Time
}

// NewTokenStore creates a token store.
func NewTokenStore(db appointments.Querier) *TokenStore {
	if db == nil {
		panic("cancellation: db required")
	}
	return &TokenStore{db: db, now: time.Now}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create mints a token for an appointment inside the caller's transaction.
// The raw token goes into the customer's link; only its hash is persisted.
func (s *TokenStore) Create(ctx context.Context, q appointments.Querier, appointmentID uuid.UUID) (string, error) {
	if q == nil {
		q = s.db
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cancellation: generate token: %w", err)
	}
	token := hex.EncodeToString(buf)
	_, err := q.Exec(ctx, `
		INSERT INTO cancellation_tokens (token_hash, appointment_id, expires_at)
		VALUES ($1, $2, $3)`, hashToken(token), appointmentID, s.now().Add(tokenTTL))
	if err != nil {
		return "", fmt.Errorf("cancellation: insert token: %w", err)
	}
	return token, nil
}

// Lookup resolves a token to its appointment id and spends it. The
// conditional write makes the spend atomic: a second presentation of the same
// link, or a presentation after expiry, resolves to nothing.
func (s *TokenStore) Lookup(ctx context.Context, token string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		UPDATE cancellation_tokens
		SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING appointment_id`, hashToken(token), s.now()).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrTokenNotFound
		}
		return uuid.Nil, fmt.Errorf("cancellation: lookup token: %w", err)
	}
	return id, nil
}
