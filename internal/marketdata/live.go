package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Live serves the latest values from the price cache. Prices older than
// MaxAge are treated as missing. The requested timestamp is ignored.
type Live struct {
	cache  domain.PriceCache
	maxAge time.Duration
	gasUSD float64
	now    func() time.Time
}

// NewLive creates a Live source. gasUSD is the flat per-operation gas
// estimate used when the cache holds no gas quote.
func NewLive(cache domain.PriceCache, maxAge time.Duration, gasUSD float64) *Live {
	return &Live{cache: cache, maxAge: maxAge, gasUSD: gasUSD, now: time.Now}
}

// PriceID is the cache asset id for a venue-specific price.
func PriceID(venue, symbol string) string {
	return venue + ":" + strings.ToUpper(symbol)
}

// IndexID is the cache asset id for a lending or staking index.
func IndexID(token string, kind domain.IndexKind) string {
	return "index:" + token + ":" + string(kind)
}

// GasID is the cache asset id for an operation's gas cost in USD.
func GasID(op domain.Operation) string {
	return "gas:" + string(op)
}

// freshest returns the first id, in preference order, holding a positive
// quote no older than maxAge.
func (l *Live) freshest(ctx context.Context, ids ...string) (float64, bool, error) {
	quotes, err := l.cache.GetQuotes(ctx, ids)
	if err != nil {
		return 0, false, err
	}
	for _, id := range ids {
		q, ok := quotes[id]
		if !ok || q.Value <= 0 {
			continue
		}
		if l.maxAge > 0 && l.now().Sub(q.At) > l.maxAge {
			continue
		}
		return q.Value, true, nil
	}
	return 0, false, nil
}

// GetPrice prefers the venue's own quote and falls back to the token-wide one.
func (l *Live) GetPrice(ctx context.Context, key domain.InstrumentKey, _ time.Time) (float64, error) {
	sym := strings.ToUpper(key.Symbol)
	if stable(sym) {
		return 1, nil
	}
	v, ok, err := l.freshest(ctx, PriceID(key.Venue, sym), sym)
	if err != nil {
		return 0, fmt.Errorf("marketdata: price %s: %w", key, err)
	}
	if !ok {
		return 0, fmt.Errorf("marketdata: no fresh price for %s: %w", key, domain.ErrMissingMarketData)
	}
	return v, nil
}

// GetIndex returns 1 when no index has been published for token.
func (l *Live) GetIndex(ctx context.Context, token string, kind domain.IndexKind, _ time.Time) (float64, error) {
	v, ok, err := l.freshest(ctx, IndexID(token, kind))
	if err != nil {
		return 0, fmt.Errorf("marketdata: index %s: %w", token, err)
	}
	if !ok {
		return 1, nil
	}
	return v, nil
}

// GetGasCost falls back to the flat estimate.
func (l *Live) GetGasCost(ctx context.Context, op domain.Operation, _ time.Time) (float64, error) {
	v, ok, err := l.freshest(ctx, GasID(op))
	if err != nil || !ok {
		return l.gasUSD, nil
	}
	return v, nil
}

var _ domain.MarketDataSource = (*Live)(nil)
