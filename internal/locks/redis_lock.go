package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// ErrNotAcquired means another holder owns the lock. It is a normal handled
// outcome, not a failure: every transition the lock protects is additionally
// guarded by a conditional write, so losing here only means losing the race.
var ErrNotAcquired = errors.New("locks: not acquired")

// releaseScript deletes the key only when the caller still owns it, so an
// expired lock taken over by someone else is never released out from under
// them.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock is a short-TTL advisory mutex backed by SET NX.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// Lease is one held lock instance.
type Lease struct {
	lock  *RedisLock
	key   string
	owner string
}

// NewRedisLock creates a lock factory with the given TTL.
func NewRedisLock(client *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisLock {
	if client == nil {
		panic("locks: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLock{client: client, ttl: ttl, logger: logger}
}

// Acquire attempts a non-blocking grab of the key. ErrNotAcquired when held
// elsewhere.
func (l *RedisLock) Acquire(ctx context.Context, key string) (*Lease, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("locks: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{lock: l, key: key, owner: owner}, nil
}

// Release frees the lease if still owned. Safe to call on every exit path;
// a lease that expired and was re-acquired elsewhere is left untouched.
func (le *Lease) Release(ctx context.Context) {
	if le == nil {
		return
	}
	if err := releaseScript.Run(ctx, le.lock.client, []string{le.key}, le.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		le.lock.logger.Warn("lock release failed", "key", le.key, "error", err)
	}
}
