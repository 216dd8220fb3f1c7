package slotrecovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// Cooldown rate-limits rebooking wins per customer so one very responsive
// customer cannot absorb every freed slot. Redis TTL is the source of truth;
// a Redis outage degrades to no cooldown rather than blocking offers.
type Cooldown struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewCooldown creates a cooldown tracker.
func NewCooldown(client *redis.Client, ttl time.Duration, logger *logging.Logger) *Cooldown {
	if client == nil {
		panic("slotrecovery: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cooldown{client: client, ttl: ttl, logger: logger}
}

func cooldownKey(shopID, customerID uuid.UUID) string {
	return fmt.Sprintf("rebook:cooldown:%s:%s", shopID, customerID)
}

// Active reports whether the customer won a rebooking recently.
func (c *Cooldown) Active(ctx context.Context, shopID, customerID uuid.UUID) bool {
	n, err := c.client.Exists(ctx, cooldownKey(shopID, customerID)).Result()
	if err != nil {
		c.logger.Warn("cooldown check failed, treating as inactive", "error", err)
		return false
	}
	return n > 0
}

// Start records a win, opening the cooldown window.
func (c *Cooldown) Start(ctx context.Context, shopID, customerID uuid.UUID) {
	if err := c.client.Set(ctx, cooldownKey(shopID, customerID), time.Now().UTC().Format(time.RFC3339), c.ttl).Err(); err != nil {
		c.logger.Warn("cooldown start failed", "error", err)
	}
}
