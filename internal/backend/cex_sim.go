package backend

import (
	"context"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// CEXSim fills spot and perp orders at the order's limit price, or the market
// price at the order's tick when none is given. Fills are complete and
// deterministic.
type CEXSim struct {
	base
	spotFeeBps float64
	perpFeeBps float64
}

// NewCEXSim creates a simulated exchange backend for venue.
func NewCEXSim(venue string, reg *domain.Registry, sim config.SimulationConfig) *CEXSim {
	return &CEXSim{
		base:       base{family: FamilyCEX, venue: venue, simulated: true, reg: reg},
		spotFeeBps: sim.SpotFeeBps,
		perpFeeBps: sim.PerpFeeBps,
	}
}

func (b *CEXSim) Supports(op domain.Operation) bool {
	return op == domain.OpSpotTrade || op == domain.OpPerpTrade
}

func (b *CEXSim) CancelAll(context.Context) error { return nil }

// Execute implements Backend.
func (b *CEXSim) Execute(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	at := b.clock(o)
	if !b.Supports(o.Operation) {
		return b.unsupported(o, at), nil
	}
	baseToken := o.TargetToken
	quote := o.SourceToken
	if quote == "" {
		quote = settlementToken(b.reg, b.venue)
	}
	price, err := b.price(ctx, o, b.venue, baseToken, at)
	if err != nil {
		return domain.Handshake{}, err
	}

	sign := 1.0
	if o.Side == domain.OrderSideSell {
		sign = -1
	}
	notional := o.Amount * price
	deltas := make(map[string]float64, 2)
	feeBps := b.spotFeeBps
	if o.Operation == domain.OpPerpTrade {
		feeBps = b.perpFeeBps
		deltas[b.key(b.venue, domain.PositionPerp, baseToken)] = sign * o.Amount
	} else {
		deltas[b.key(b.venue, domain.PositionBaseToken, baseToken)] = sign * o.Amount
		deltas[b.key(b.venue, domain.PositionBaseToken, quote)] = -sign * notional
	}

	h := domain.Confirmed(o, deltas, at, at, true).
		WithFee(notional*feeBps/10_000, quote).
		WithDetail("fill_price", price).
		WithDetail("notional", notional).
		WithDetail("venue_order_id", "sim-"+o.OperationID)
	b.emit(ctx, o, h)
	return h, nil
}

var _ Backend = (*CEXSim)(nil)
