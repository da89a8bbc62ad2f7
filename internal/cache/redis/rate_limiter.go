package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// Bounds on the sleep between attempts inside Wait.
const (
	minWaitStep = 5 * time.Millisecond
	maxWaitStep = time.Second
)

type limit struct {
	n      int
	window time.Duration
}

// RateLimiter is a sliding-window limiter over sorted sets. Every process
// sharing one venue credential, and every HTTP client keyed by address,
// draws from the same budget.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script

	mu     sync.RWMutex
	limits map[string]limit
	dflt   limit
}

// NewRateLimiter creates a RateLimiter. Keys without SetLimit get one
// request per second.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    c.Underlying(),
		script: redis.NewScript(slidingWindowLua),
		limits: make(map[string]limit),
		dflt:   limit{n: 1, window: time.Second},
	}
}

// SetLimit configures the budget Wait applies to key. Non-positive n falls
// back to the default budget.
func (rl *RateLimiter) SetLimit(key string, n int, window time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limits[key] = limit{n: n, window: window}
}

func (rl *RateLimiter) limitFor(key string) limit {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if l, ok := rl.limits[key]; ok && l.n > 0 {
		return l
	}
	return rl.dflt
}

func rateLimitKey(key string) string {
	return keyPrefix + "ratelimit:" + key
}

// take counts one request against key if it fits, otherwise reports how
// long until the oldest request leaves the window.
func (rl *RateLimiter) take(ctx context.Context, key string, n int, window time.Duration) (bool, time.Duration, error) {
	res, err := rl.script.Run(ctx, rl.rdb,
		[]string{rateLimitKey(key)},
		time.Now().UnixMicro(), window.Microseconds(), n, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) < 3 {
		return false, 0, fmt.Errorf("redis: rate limit %s: unexpected reply %v", key, res)
	}
	return res[0] == 1, time.Duration(res[2]) * time.Microsecond, nil
}

// Allow counts the request and reports whether it fit in n per window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, n int, window time.Duration) (bool, error) {
	ok, _, err := rl.take(ctx, key, n, window)
	return ok, err
}

// Wait blocks until a request for key fits its configured budget.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	l := rl.limitFor(key)
	for {
		ok, retry, err := rl.take(ctx, key, l.n, l.window)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(waitStep(retry))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

func waitStep(retry time.Duration) time.Duration {
	return min(max(retry, minWaitStep), maxWaitStep)
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
