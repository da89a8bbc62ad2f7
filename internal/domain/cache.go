package domain

import (
	"context"
	"time"
)

// Quote is a cached market value and the time it was observed.
type Quote struct {
	Value float64
	At    time.Time
}

// PriceCache holds the latest quotes written by the exchange streams. Ids are
// token symbols, "venue:SYMBOL" pairs, index ids or gas ids.
type PriceCache interface {
	SetPrice(ctx context.Context, id string, price float64, ts time.Time) error
	// GetQuotes omits ids with no quote.
	GetQuotes(ctx context.Context, ids []string) (map[string]Quote, error)
}

// RateLimiter is a sliding-window budget shared across processes.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager hands out exclusive leases that expire after ttl.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one stream entry and its cursor id.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries order intake and fan-out on channels plus the durable
// execution event stream.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
