package backend

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

const secondsPerYear = 365 * 24 * 60 * 60

// LendingSim models a lending market with no live counterpart. Its supply
// index grows between orders at an APY drawn from a seeded generator and
// clamped to [floor, ceiling], so a run with the same seed and orders always
// produces the same settlement. Only supply and withdraw are modelled.
type LendingSim struct {
	base
	floor   float64
	ceiling float64

	mu    sync.Mutex
	rng   *rand.Rand
	index map[string]float64
	last  map[string]time.Time
}

// NewLendingSim creates the pure-simulation lending backend for venue.
func NewLendingSim(venue string, reg *domain.Registry, sim config.SimulationConfig) *LendingSim {
	floor, ceiling := sim.LendingAPYFloor, sim.LendingAPYCeiling
	if ceiling < floor {
		floor, ceiling = ceiling, floor
	}
	return &LendingSim{
		base:    base{family: FamilyOnChain, venue: venue, simulated: true, reg: reg},
		floor:   floor,
		ceiling: ceiling,
		rng:     rand.New(rand.NewSource(sim.Seed)),
		index:   make(map[string]float64),
		last:    make(map[string]time.Time),
	}
}

// Supports accepts every on-chain operation so that unsupported ones come
// back as an explicit FAILED handshake instead of a routing miss.
func (b *LendingSim) Supports(op domain.Operation) bool {
	f, ok := FamilyFor(op)
	return ok && f == FamilyOnChain
}

func (b *LendingSim) CancelAll(context.Context) error { return nil }

// Execute implements Backend.
func (b *LendingSim) Execute(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	at := b.clock(o)
	if o.Operation != domain.OpSupply && o.Operation != domain.OpWithdraw {
		h := b.reject(o, SuffixUnsupported,
			fmt.Sprintf("%s not supported in this strategy: %s only models supply and withdraw", o.Operation, b.Key()), at)
		b.emit(ctx, o, h)
		return h, nil
	}

	underlying := o.Token()
	token := lendingToken(underlying)
	idx, apy := b.accrue(token, at)
	scaled := o.Amount / idx

	wallet := b.key("wallet", domain.PositionBaseToken, underlying)
	aToken := b.key(b.venue, domain.PositionAToken, domain.ATokenSymbol(token))
	deltas := map[string]float64{wallet: -o.Amount, aToken: scaled}
	if o.Operation == domain.OpWithdraw {
		deltas = map[string]float64{wallet: o.Amount, aToken: -scaled}
	}

	h := domain.Confirmed(o, deltas, at, at, true).
		WithDetail("index", idx).
		WithDetail("apy", apy).
		WithDetail("scaled_amount", scaled)
	b.emit(ctx, o, h)
	return h, nil
}

// Index returns the current supply index of token without accruing.
func (b *LendingSim) Index(token string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.index[lendingToken(token)]; ok {
		return idx
	}
	return 1
}

// accrue grows the index of token up to at and returns it with the APY used.
// Time never runs backwards: an older tick leaves the index unchanged.
func (b *LendingSim) accrue(token string, at time.Time) (float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.index[token]
	if !ok {
		idx = 1
	}
	apy := b.floor + b.rng.Float64()*(b.ceiling-b.floor)
	apy = min(max(apy, b.floor), b.ceiling)

	last, seen := b.last[token]
	if seen && at.After(last) {
		idx *= 1 + apy*at.Sub(last).Seconds()/secondsPerYear
	}
	if !seen || at.After(last) {
		b.last[token] = at
	}
	b.index[token] = idx
	return idx, apy
}

var _ Backend = (*LendingSim)(nil)
