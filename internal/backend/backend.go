// Package backend holds the execution backends the router dispatches to. Each
// venue family has a simulate and a live implementation behind one Backend
// interface; the Factory picks one per venue at startup.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Family is a class of venue sharing one execution model.
type Family string

const (
	FamilyCEX      Family = "cex"
	FamilyOnChain  Family = "onchain"
	FamilyDEX      Family = "dex"
	FamilyTransfer Family = "transfer"
)

// Families lists every backend family in build order. Transfer comes last
// because it links to the others.
var Families = []Family{FamilyCEX, FamilyOnChain, FamilyDEX, FamilyTransfer}

// Mode selects simulated or real execution. It is fixed at factory time.
type Mode string

const (
	ModeSimulate Mode = "simulate"
	ModeLive     Mode = "live"
)

// ParseMode accepts the config spelling of a mode. "backtest" is an alias for
// simulate.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "simulate", "backtest", "":
		return ModeSimulate, nil
	case "live":
		return ModeLive, nil
	}
	return "", fmt.Errorf("backend: unknown mode %q", s)
}

// Key is the router lookup key for a backend, e.g. cex_binance.
func Key(f Family, venue string) string {
	return string(f) + "_" + venue
}

// FamilyFor maps an operation to the family that executes it.
func FamilyFor(op domain.Operation) (Family, bool) {
	switch op {
	case domain.OpTransfer:
		return FamilyTransfer, true
	case domain.OpSupply, domain.OpBorrow, domain.OpRepay, domain.OpWithdraw,
		domain.OpStake, domain.OpUnstake, domain.OpFlashBorrow, domain.OpFlashRepay:
		return FamilyOnChain, true
	case domain.OpSpotTrade, domain.OpPerpTrade:
		return FamilyCEX, true
	case domain.OpSwap:
		return FamilyDEX, true
	}
	return "", false
}

// Dependencies are the cross-cutting collaborators wired after construction.
// Any field may be nil.
type Dependencies struct {
	Positions domain.PositionSink
	Events    domain.EventLogger
	Market    domain.MarketDataSource
}

// Backend executes Orders for one venue. Execute returns a Handshake for
// every outcome the backend understands, including rejections; a non-nil
// error means the attempt broke down and the router classifies it.
type Backend interface {
	Key() string
	Family() Family
	Venue() string
	Simulated() bool
	Supports(op domain.Operation) bool
	Execute(ctx context.Context, o domain.Order) (domain.Handshake, error)
	CancelAll(ctx context.Context) error
	SetDependencies(deps Dependencies)
}

// Linker is implemented by backends that delegate to siblings.
type Linker interface {
	Link(siblings map[string]Backend)
}

// base carries the fields every backend shares.
type base struct {
	family    Family
	venue     string
	simulated bool
	deps      Dependencies
	reg       *domain.Registry
	now       func() time.Time
}

func (b *base) Key() string                       { return Key(b.family, b.venue) }
func (b *base) Family() Family                    { return b.family }
func (b *base) Venue() string                     { return b.venue }
func (b *base) Simulated() bool                   { return b.simulated }
func (b *base) SetDependencies(deps Dependencies) { b.deps = deps }

// clock returns the time the order is stamped with. Simulated backends use
// the order's own tick so replays are reproducible.
func (b *base) clock(o domain.Order) time.Time {
	if b.simulated && !o.Timestamp.IsZero() {
		return o.Timestamp
	}
	if b.now != nil {
		return b.now()
	}
	return time.Now().UTC()
}

// emit sends one execution event if an EventLogger is wired.
func (b *base) emit(ctx context.Context, o domain.Order, h domain.Handshake) {
	if b.deps.Events == nil {
		return
	}
	b.deps.Events.LogEvent(ctx, domain.ExecutionEvent{
		Type:        "execution",
		OperationID: o.OperationID,
		Operation:   o.Operation,
		Venue:       b.venue,
		Token:       o.Token(),
		Amount:      o.Amount,
		Status:      h.Status,
		ErrorCode:   h.ErrorCode,
		Simulated:   b.simulated,
		Timestamp:   b.clock(o),
	})
}

// reject builds a FAILED handshake with a family and venue scoped code.
func (b *base) reject(o domain.Order, suffix, msg string, at time.Time) domain.Handshake {
	return domain.Failed(o, ErrorCode(b.family, b.venue, suffix), msg, at, b.simulated)
}

func (b *base) unsupported(o domain.Order, at time.Time) domain.Handshake {
	return b.reject(o, SuffixUnsupported, fmt.Sprintf("operation %s not supported by %s", o.Operation, b.Key()), at)
}

func (b *base) key(venue string, pt domain.PositionType, symbol string) string {
	return domain.NewKey(venue, pt, symbol).String()
}

// price resolves the execution price of token on venue: the order's limit
// price first, otherwise the market data source.
func (b *base) price(ctx context.Context, o domain.Order, venue, token string, at time.Time) (float64, error) {
	if p := o.PriceOr(0); p > 0 {
		return p, nil
	}
	return b.marketPrice(ctx, venue, token, at)
}

func (b *base) marketPrice(ctx context.Context, venue, token string, at time.Time) (float64, error) {
	if isStable(token) {
		return 1, nil
	}
	if b.deps.Market == nil {
		return 0, fmt.Errorf("backend %s: no market data for %s: %w", b.Key(), token, domain.ErrMissingMarketData)
	}
	p, err := b.deps.Market.GetPrice(ctx, domain.NewKey(venue, domain.PositionBaseToken, token), at)
	if err != nil {
		return 0, fmt.Errorf("backend %s: price %s: %w", b.Key(), token, err)
	}
	if p <= 0 {
		return 0, fmt.Errorf("backend %s: non-positive price for %s: %w", b.Key(), token, domain.ErrMissingMarketData)
	}
	return p, nil
}

// gasUSD returns the simulated gas cost of op, or 0 without market data.
func (b *base) gasUSD(ctx context.Context, op domain.Operation, at time.Time) float64 {
	if b.deps.Market == nil {
		return 0
	}
	g, err := b.deps.Market.GetGasCost(ctx, op, at)
	if err != nil {
		return 0
	}
	return g
}

func isStable(token string) bool {
	switch token {
	case "USDT", "USDC", "DAI":
		return true
	}
	return false
}

// lendingToken maps native ETH to the wrapped token lending markets hold.
func lendingToken(token string) string {
	if token == "ETH" {
		return "WETH"
	}
	return token
}

// settlementToken is the quote asset of venue, USDT when unknown.
func settlementToken(reg *domain.Registry, venue string) string {
	if reg != nil {
		if info, ok := reg.Venue(venue); ok && info.Settlement != "" {
			return info.Settlement
		}
	}
	return "USDT"
}
