package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle paces live calls per venue. Acquire blocks until the venue's rate
// budget admits one more call and no other call holding the same credentials
// is in flight; the caller must invoke release when done.
type Throttle interface {
	Acquire(ctx context.Context, venue string) (release func(), err error)
}

// LocalThrottle is a per-process token bucket plus a per-venue mutex.
type LocalThrottle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	locks    map[string]chan struct{}
	perSec   map[string]float64
	dflt     float64
}

// NewLocalThrottle builds a throttle. perSec maps venue to calls per second;
// venues not listed get dflt.
func NewLocalThrottle(perSec map[string]float64, dflt float64) *LocalThrottle {
	if dflt <= 0 {
		dflt = 10
	}
	return &LocalThrottle{
		limiters: make(map[string]*rate.Limiter),
		locks:    make(map[string]chan struct{}),
		perSec:   perSec,
		dflt:     dflt,
	}
}

func (t *LocalThrottle) venue(v string) (*rate.Limiter, chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[v]
	if !ok {
		r := t.perSec[v]
		if r <= 0 {
			r = t.dflt
		}
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(r), burst)
		t.limiters[v] = l
	}
	lock, ok := t.locks[v]
	if !ok {
		lock = make(chan struct{}, 1)
		t.locks[v] = lock
	}
	return l, lock
}

// Acquire implements Throttle.
func (t *LocalThrottle) Acquire(ctx context.Context, venue string) (func(), error) {
	l, lock := t.venue(venue)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("backend: throttle %s: %w", venue, ctx.Err())
	}
	if err := l.Wait(ctx); err != nil {
		<-lock
		return nil, fmt.Errorf("backend: throttle %s: %w", venue, err)
	}
	var once sync.Once
	return func() { once.Do(func() { <-lock }) }, nil
}

// Limiter is the distributed rate budget, implemented by the redis package.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Locker is a distributed lock that blocks until acquired.
type Locker interface {
	AcquireWait(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SharedThrottle coordinates every process that shares venue credentials
// through Redis.
type SharedThrottle struct {
	limiter Limiter
	locker  Locker
	ttl     time.Duration
}

// NewSharedThrottle builds a Redis-backed throttle. ttl bounds how long a
// crashed holder can block the venue.
func NewSharedThrottle(limiter Limiter, locker Locker, ttl time.Duration) *SharedThrottle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SharedThrottle{limiter: limiter, locker: locker, ttl: ttl}
}

// Acquire implements Throttle.
func (t *SharedThrottle) Acquire(ctx context.Context, venue string) (func(), error) {
	unlock, err := t.locker.AcquireWait(ctx, "venue:"+venue, t.ttl)
	if err != nil {
		return nil, fmt.Errorf("backend: venue lock %s: %w", venue, err)
	}
	if err := t.limiter.Wait(ctx, "venue:"+venue); err != nil {
		unlock()
		return nil, fmt.Errorf("backend: venue rate %s: %w", venue, err)
	}
	return unlock, nil
}

// noThrottle admits everything; simulated backends never touch a venue.
type noThrottle struct{}

func (noThrottle) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

var (
	_ Throttle = (*LocalThrottle)(nil)
	_ Throttle = (*SharedThrottle)(nil)
	_ Throttle = noThrottle{}
)
