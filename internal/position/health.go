package position

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// HealthOptions names the venues a strategy is using and the debt economics
// used to rank debts. Empty venue names pick the largest venue of each kind.
type HealthOptions struct {
	LendingVenue string
	MarginVenue  string
	StakingVenue string
	DebtYieldAPY map[string]float64
	DebtCostAPY  map[string]float64
}

// Health builds the risk snapshot the rebalancer consumes. Venue PnL is the
// change in each exchange's balance since the first Health call.
func (b *Book) Health(ctx context.Context, ts time.Time, opts HealthOptions) (domain.HealthSnapshot, error) {
	snap, err := b.Snapshot(ctx, ts)
	if err != nil {
		return domain.HealthSnapshot{}, err
	}
	h := domain.HealthSnapshot{
		Timestamp:    ts,
		LendingVenue: largest(opts.LendingVenue, snap.Lending, func(s domain.LendingState) float64 { return s.CollateralUSD }),
		MarginVenue:  largest(opts.MarginVenue, snap.Margin, func(s domain.MarginState) float64 { return s.NotionalUSD }),
		StakingVenue: largest(opts.StakingVenue, snap.Staking, func(s domain.StakingState) float64 { return s.StakedUSD }),
	}
	if h.LendingVenue != "" {
		h.CurrentLTV = finite(snap.Lending[h.LendingVenue].LTV())
	}
	if h.MarginVenue != "" {
		h.MarginRatio = finite(snap.Margin[h.MarginVenue].Ratio())
	}

	holdings, market := b.holdings()
	v := b.newValuer(ctx, market, ts)
	for _, hd := range holdings {
		switch hd.key.PositionType {
		case domain.PositionDebtToken:
			usd, err := v.value(hd)
			if err != nil {
				return domain.HealthSnapshot{}, err
			}
			token := strings.TrimPrefix(hd.key.Symbol, "debt")
			h.Debts = append(h.Debts, domain.DebtPosition{
				Venue:     hd.key.Venue,
				Token:     token,
				AmountUSD: usd,
				YieldAPY:  opts.DebtYieldAPY[token],
				CostAPY:   opts.DebtCostAPY[token],
			})
		case domain.PositionPerp:
			usd, err := v.value(hd)
			if err != nil {
				return domain.HealthSnapshot{}, err
			}
			h.Perps = append(h.Perps, domain.PerpPosition{
				Venue:       hd.key.Venue,
				Symbol:      hd.key.Symbol,
				Size:        hd.amount,
				NotionalUSD: math.Abs(usd),
			})
		case domain.PositionAToken:
			if v.lst[strings.TrimPrefix(hd.key.Symbol, "a")] && hd.amount > 0 {
				h.Restaking = true
			}
		}
	}
	h.VenuePnL = b.venuePnL(snap)
	return h, nil
}

// venuePnL compares exchange balances against the first observed ones.
func (b *Book) venuePnL(snap domain.MarketSnapshot) map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.baseline == nil {
		b.baseline = make(map[string]float64, len(snap.Margin))
		for v, m := range snap.Margin {
			b.baseline[v] = m.BalanceUSD
		}
	}
	pnl := make(map[string]float64, len(snap.Margin))
	for v, m := range snap.Margin {
		pnl[v] = m.BalanceUSD - b.baseline[v]
	}
	return pnl
}

// largest returns preferred, or the venue with the largest size by fn.
func largest[T any](preferred string, m map[string]T, fn func(T) float64) string {
	if preferred != "" {
		return preferred
	}
	names := make([]string, 0, len(m))
	for v := range m {
		names = append(names, v)
	}
	sort.Strings(names)
	best, bestSize := "", 0.0
	for _, v := range names {
		if s := fn(m[v]); s > bestSize {
			best, bestSize = v, s
		}
	}
	return best
}

// finite keeps the snapshot JSON-encodable: an unbounded ratio becomes the
// largest float.
func finite(x float64) float64 {
	if math.IsInf(x, 1) {
		return math.MaxFloat64
	}
	return x
}
