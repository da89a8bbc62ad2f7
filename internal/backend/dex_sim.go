package backend

import (
	"context"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// DEXSim prices a swap from market data, then applies the pool fee and the
// slippage tolerance. Both tokens settle in the wallet.
type DEXSim struct {
	base
	feeBps      float64
	slippageBps float64
}

// NewDEXSim creates a simulated swap backend for venue.
func NewDEXSim(venue string, reg *domain.Registry, sim config.SimulationConfig) *DEXSim {
	return &DEXSim{
		base:        base{family: FamilyDEX, venue: venue, simulated: true, reg: reg},
		feeBps:      sim.DEXFeeBps,
		slippageBps: sim.DEXSlippageBps,
	}
}

func (b *DEXSim) Supports(op domain.Operation) bool { return op == domain.OpSwap }

func (b *DEXSim) CancelAll(context.Context) error { return nil }

// Execute implements Backend. A limit price on a swap is read as source units
// paid per target unit.
func (b *DEXSim) Execute(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	at := b.clock(o)
	if !b.Supports(o.Operation) {
		return b.unsupported(o, at), nil
	}

	var expected float64
	if p := o.PriceOr(0); p > 0 {
		expected = o.Amount / p
	} else {
		src, err := b.marketPrice(ctx, "wallet", o.SourceToken, at)
		if err != nil {
			return domain.Handshake{}, err
		}
		tgt, err := b.marketPrice(ctx, "wallet", o.TargetToken, at)
		if err != nil {
			return domain.Handshake{}, err
		}
		expected = o.Amount * src / tgt
	}
	out := expected * (1 - b.feeBps/10_000) * (1 - b.slippageBps/10_000)

	deltas := map[string]float64{
		b.key("wallet", domain.PositionBaseToken, o.SourceToken): -o.Amount,
		b.key("wallet", domain.PositionBaseToken, o.TargetToken): out,
	}
	h := domain.Confirmed(o, deltas, at, at, true).
		WithFee(o.Amount*b.feeBps/10_000, o.SourceToken).
		WithDetail("expected_out", expected).
		WithDetail("amount_out", out).
		WithDetail("slippage_bps", b.slippageBps)
	b.emit(ctx, o, h)
	return h, nil
}

var _ Backend = (*DEXSim)(nil)
