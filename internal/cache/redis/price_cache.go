package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// DefaultQuoteTTL evicts quotes nobody has refreshed, so a dead stream leaves
// no value behind rather than a stale one.
const DefaultQuoteTTL = time.Hour

// PriceCache stores each quote as the string "<price>@<unix-nanos>" at
// venuex:price:<id> with a TTL.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache with DefaultQuoteTTL.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: DefaultQuoteTTL}
}

func priceKey(id string) string {
	return keyPrefix + "price:" + id
}

func encodeQuote(price float64, ts time.Time) string {
	return strconv.FormatFloat(price, 'f', -1, 64) + "@" + strconv.FormatInt(ts.UnixNano(), 10)
}

func decodeQuote(s string) (domain.Quote, error) {
	px, ns, ok := strings.Cut(s, "@")
	if !ok {
		return domain.Quote{}, fmt.Errorf("malformed quote %q", s)
	}
	v, err := strconv.ParseFloat(px, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("quote price: %w", err)
	}
	n, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("quote time: %w", err)
	}
	return domain.Quote{Value: v, At: time.Unix(0, n).UTC()}, nil
}

// SetPrice overwrites the quote for id and restarts its TTL.
func (pc *PriceCache) SetPrice(ctx context.Context, id string, price float64, ts time.Time) error {
	if err := pc.rdb.Set(ctx, priceKey(id), encodeQuote(price, ts), pc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", id, err)
	}
	return nil
}

// GetQuotes fetches all ids with one MGET. Malformed entries are skipped.
func (pc *PriceCache) GetQuotes(ctx context.Context, ids []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = priceKey(id)
	}
	vals, err := pc.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get quotes: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		q, err := decodeQuote(s)
		if err != nil {
			continue
		}
		out[ids[i]] = q
	}
	return out, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
