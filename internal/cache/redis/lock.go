package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// releaseScript deletes the lease only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

const (
	lockRetry      = 25 * time.Millisecond
	releaseTimeout = 5 * time.Second
)

// LockManager hands out per-credential leases so only one process talks to
// a venue account at a time. Leases expire on their own if the holder dies.
type LockManager struct {
	rdb *redis.Client
}

// NewLockManager creates a LockManager.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.Underlying()}
}

func lockKey(key string) string {
	return keyPrefix + "lock:" + key
}

// Acquire takes the lease on key for ttl or returns domain.ErrLockHeld. The
// release func is idempotent and safe for concurrent use.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	owner := uuid.NewString()
	k := lockKey(key)
	ok, err := lm.rdb.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			_ = releaseScript.Run(rctx, lm.rdb, []string{k}, owner).Err()
		})
	}, nil
}

// AcquireWait polls Acquire until the lease is free or ctx ends.
func (lm *LockManager) AcquireWait(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		release, err := lm.Acquire(ctx, key, ttl)
		if !errors.Is(err, domain.ErrLockHeld) {
			return release, err
		}
		timer := time.NewTimer(lockRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("redis: wait for lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
