// Package marketdata provides the MarketDataSource implementations: a static
// series replayed in simulate mode and a live source over the price cache.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Point is one observation in a series.
type Point struct {
	T time.Time `json:"t"`
	V float64   `json:"v"`
}

// Series is the on-disk layout of a market data file. Price series are keyed
// by token symbol, or by "venue:SYMBOL" for venue-specific prices. Index
// series are keyed by "TOKEN:kind". Gas series are keyed by operation, with
// "default" as the fallback.
type Series struct {
	Prices  map[string][]Point `json:"prices"`
	Indexes map[string][]Point `json:"indexes"`
	Gas     map[string][]Point `json:"gas"`
}

// Static serves a preloaded Series. A lookup returns the last point at or
// before the requested time. It never blocks and is safe for concurrent use
// once loaded.
type Static struct {
	s Series
}

// LoadStatic reads a Series from a JSON file.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("marketdata: read %s: %w", path, err)
	}
	var s Series
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("marketdata: parse %s: %w", path, err)
	}
	return NewStatic(s), nil
}

// NewStatic sorts every series by time and wraps it.
func NewStatic(s Series) *Static {
	for _, m := range []map[string][]Point{s.Prices, s.Indexes, s.Gas} {
		for _, pts := range m {
			sort.Slice(pts, func(i, j int) bool { return pts[i].T.Before(pts[j].T) })
		}
	}
	return &Static{s: s}
}

// at returns the last value at or before ts.
func at(pts []Point, ts time.Time) (float64, bool) {
	i := sort.Search(len(pts), func(i int) bool { return pts[i].T.After(ts) })
	if i == 0 {
		return 0, false
	}
	return pts[i-1].V, true
}

// GetPrice looks up the venue-specific series first, then the token series.
func (st *Static) GetPrice(_ context.Context, key domain.InstrumentKey, ts time.Time) (float64, error) {
	sym := strings.ToUpper(key.Symbol)
	for _, id := range []string{key.Venue + ":" + key.Symbol, key.Symbol, sym} {
		if v, ok := at(st.s.Prices[id], ts); ok {
			return v, nil
		}
	}
	if stable(sym) {
		return 1, nil
	}
	return 0, fmt.Errorf("marketdata: price %s at %s: %w", key, ts.Format(time.RFC3339), domain.ErrMissingMarketData)
}

// GetIndex returns 1 for tokens with no series so unindexed assets convert
// one to one.
func (st *Static) GetIndex(_ context.Context, token string, kind domain.IndexKind, ts time.Time) (float64, error) {
	pts, ok := st.s.Indexes[token+":"+string(kind)]
	if !ok {
		return 1, nil
	}
	if v, ok := at(pts, ts); ok {
		return v, nil
	}
	return 0, fmt.Errorf("marketdata: %s index %s before first point: %w", kind, token, domain.ErrMissingMarketData)
}

// GetGasCost returns the operation's gas cost in USD, or 0 without data.
func (st *Static) GetGasCost(_ context.Context, op domain.Operation, ts time.Time) (float64, error) {
	for _, id := range []string{string(op), "default"} {
		if v, ok := at(st.s.Gas[id], ts); ok {
			return v, nil
		}
	}
	return 0, nil
}

// Ticks returns every distinct timestamp in the price series, in order.
func (st *Static) Ticks() []time.Time {
	seen := map[int64]struct{}{}
	var out []time.Time
	for _, pts := range st.s.Prices {
		for _, p := range pts {
			if _, ok := seen[p.T.UnixNano()]; ok {
				continue
			}
			seen[p.T.UnixNano()] = struct{}{}
			out = append(out, p.T)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func stable(sym string) bool {
	switch sym {
	case "USDT", "USDC", "DAI":
		return true
	}
	return false
}

var _ domain.MarketDataSource = (*Static)(nil)
