// Package position is the reference bookkeeping collaborator. It applies
// settlement deltas by instrument key and derives the venue snapshots the
// planner and the rebalancer read.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Book holds balances by instrument key. It is safe for concurrent use.
type Book struct {
	reg    *domain.Registry
	market domain.MarketDataSource
	logger *slog.Logger

	mu       sync.RWMutex
	balances map[string]float64
	applied  map[string]struct{}
	baseline map[string]float64
}

// NewBook creates an empty Book. market may be nil until SetMarket is called.
func NewBook(reg *domain.Registry, market domain.MarketDataSource, logger *slog.Logger) *Book {
	return &Book{
		reg:      reg,
		market:   market,
		logger:   logger.With(slog.String("component", "position_book")),
		balances: make(map[string]float64),
		applied:  make(map[string]struct{}),
	}
}

// SetMarket replaces the market data source used for valuation.
func (b *Book) SetMarket(m domain.MarketDataSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.market = m
}

// Seed sets starting balances. Every key must resolve against the registry.
func (b *Book) Seed(balances map[string]float64) error {
	if err := b.reg.ValidateDeltas(balances); err != nil {
		return fmt.Errorf("position: seed: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range balances {
		b.balances[k] = v
	}
	return nil
}

// Apply books the deltas of a CONFIRMED or ROLLED_BACK handshake. FAILED and
// PENDING handshakes change nothing. Replaying the same handshake is a no-op.
func (b *Book) Apply(_ context.Context, h domain.Handshake) error {
	if h.Status != domain.StatusConfirmed && h.Status != domain.StatusRolledBack {
		return nil
	}
	if err := b.reg.ValidateDeltas(h.ActualDeltas); err != nil {
		return fmt.Errorf("position: apply %s: %w", h.OperationID, err)
	}

	id := h.OperationID + "/" + string(h.Status)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.applied[id]; dup {
		b.logger.Warn("handshake already applied", slog.String("operation_id", h.OperationID))
		return nil
	}
	b.applied[id] = struct{}{}
	for k, v := range h.ActualDeltas {
		b.balances[k] += v
		if math.Abs(b.balances[k]) < 1e-12 {
			delete(b.balances, k)
		}
	}
	return nil
}

// Balance returns the balance held under key.
func (b *Book) Balance(key string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[key]
}

// Balances returns a copy of every non-zero balance.
func (b *Book) Balances() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.balances))
	for k, v := range b.balances {
		out[k] = v
	}
	return out
}

// holding is one parsed balance.
type holding struct {
	key    domain.InstrumentKey
	amount float64
}

func (b *Book) holdings() ([]holding, domain.MarketDataSource) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]holding, 0, len(b.balances))
	for k, v := range b.balances {
		key, err := domain.ParseKey(k)
		if err != nil {
			continue
		}
		out = append(out, holding{key: key, amount: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.String() < out[j].key.String() })
	return out, b.market
}

// valuer prices holdings at one timestamp, caching lookups. Liquid staking
// tokens are priced through ETH at the staking rate.
type valuer struct {
	ctx    context.Context
	market domain.MarketDataSource
	ts     time.Time
	prices map[string]float64
	lst    map[string]bool
}

func (b *Book) newValuer(ctx context.Context, market domain.MarketDataSource, ts time.Time) *valuer {
	lst := map[string]bool{}
	for _, venue := range b.reg.VenuesOfKind(domain.VenueKindStaking) {
		for _, sym := range b.reg.Symbols(venue, domain.PositionLST) {
			lst[sym] = true
		}
	}
	return &valuer{ctx: ctx, market: market, ts: ts, prices: map[string]float64{}, lst: lst}
}

func (v *valuer) price(venue, token string) (float64, error) {
	switch token {
	case "USDT", "USDC", "DAI":
		return 1, nil
	case "WETH":
		token = "ETH"
	}
	if p, ok := v.prices[token]; ok {
		return p, nil
	}
	if v.lst[token] {
		eth, err := v.price(venue, "ETH")
		if err != nil {
			return 0, err
		}
		p := eth * v.index(token, domain.IndexStaking)
		v.prices[token] = p
		return p, nil
	}
	if v.market == nil {
		return 0, fmt.Errorf("position: no price for %s: %w", token, domain.ErrMissingMarketData)
	}
	p, err := v.market.GetPrice(v.ctx, domain.NewKey(venue, domain.PositionBaseToken, token), v.ts)
	if err != nil {
		return 0, fmt.Errorf("position: price %s: %w", token, err)
	}
	v.prices[token] = p
	return p, nil
}

func (v *valuer) index(token string, kind domain.IndexKind) float64 {
	if v.market == nil {
		return 1
	}
	idx, err := v.market.GetIndex(v.ctx, token, kind, v.ts)
	if err != nil || idx <= 0 {
		return 1
	}
	return idx
}

// value converts one holding to USD. Index-tracked tokens are scaled back to
// the underlying first.
func (v *valuer) value(h holding) (float64, error) {
	sym := h.key.Symbol
	switch h.key.PositionType {
	case domain.PositionAToken:
		u := strings.TrimPrefix(sym, "a")
		p, err := v.price(h.key.Venue, u)
		if err != nil {
			return 0, err
		}
		return h.amount * v.index(u, domain.IndexLiquidity) * p, nil
	case domain.PositionDebtToken:
		u := strings.TrimPrefix(sym, "debt")
		p, err := v.price(h.key.Venue, u)
		if err != nil {
			return 0, err
		}
		return h.amount * v.index(u, domain.IndexBorrow) * p, nil
	}
	p, err := v.price(h.key.Venue, sym)
	if err != nil {
		return 0, err
	}
	return h.amount * p, nil
}

// Snapshot values every holding at ts and groups it by venue kind.
func (b *Book) Snapshot(ctx context.Context, ts time.Time) (domain.MarketSnapshot, error) {
	holdings, market := b.holdings()
	v := b.newValuer(ctx, market, ts)
	snap := domain.MarketSnapshot{
		Timestamp: ts,
		Lending:   map[string]domain.LendingState{},
		Margin:    map[string]domain.MarginState{},
		Staking:   map[string]domain.StakingState{},
		Idle:      map[string]float64{},
	}

	for _, h := range holdings {
		usd, err := v.value(h)
		if err != nil {
			return domain.MarketSnapshot{}, err
		}
		info, _ := b.reg.Venue(h.key.Venue)
		switch info.Kind {
		case domain.VenueKindLending:
			st := snap.Lending[h.key.Venue]
			if h.key.PositionType == domain.PositionDebtToken {
				st.DebtUSD += usd
			} else {
				st.CollateralUSD += usd
			}
			snap.Lending[h.key.Venue] = st
		case domain.VenueKindCEX:
			m := snap.Margin[h.key.Venue]
			if h.key.PositionType == domain.PositionPerp {
				m.NotionalUSD += math.Abs(usd)
			} else {
				m.BalanceUSD += usd
			}
			snap.Margin[h.key.Venue] = m
		case domain.VenueKindStaking:
			st := snap.Staking[h.key.Venue]
			st.StakedUSD += usd
			snap.Staking[h.key.Venue] = st
		case domain.VenueKindWallet:
			switch h.key.Symbol {
			case "USDT", "USDC", "DAI":
				snap.Idle[h.key.Venue] += usd
			}
		}
	}
	snap.Prices = v.prices
	return snap, nil
}
