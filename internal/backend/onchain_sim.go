package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// flashLoanFeeBps is the flash-loan premium charged on the borrowed amount.
const flashLoanFeeBps = 5

// OnChainSim settles lending and staking operations against the wallet using
// the liquidity, borrow and staking indexes from market data. Without market
// data every index is 1.
type OnChainSim struct {
	base
	kind domain.VenueKind
}

// NewOnChainSim creates a simulated protocol backend for a lending or staking
// venue.
func NewOnChainSim(venue string, reg *domain.Registry) *OnChainSim {
	info, _ := reg.Venue(venue)
	return &OnChainSim{
		base: base{family: FamilyOnChain, venue: venue, simulated: true, reg: reg},
		kind: info.Kind,
	}
}

func (b *OnChainSim) Supports(op domain.Operation) bool {
	return supportsOnChain(b.reg, b.venue, b.kind, op)
}

func (b *OnChainSim) CancelAll(context.Context) error { return nil }

// supportsOnChain decides from the venue kind and its registered instruments.
func supportsOnChain(reg *domain.Registry, venue string, kind domain.VenueKind, op domain.Operation) bool {
	switch kind {
	case domain.VenueKindLending:
		switch op {
		case domain.OpSupply, domain.OpWithdraw, domain.OpFlashBorrow, domain.OpFlashRepay:
			return true
		case domain.OpBorrow, domain.OpRepay:
			return len(reg.Symbols(venue, domain.PositionDebtToken)) > 0
		}
	case domain.VenueKindStaking:
		return op == domain.OpStake || op == domain.OpUnstake
	}
	return false
}

// Execute implements Backend.
func (b *OnChainSim) Execute(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	at := b.clock(o)
	if !b.Supports(o.Operation) {
		return b.unsupported(o, at), nil
	}

	detail := map[string]any{}
	var deltas map[string]float64
	var err error
	switch o.Operation {
	case domain.OpSupply, domain.OpWithdraw, domain.OpBorrow, domain.OpRepay:
		deltas, err = b.lending(ctx, o, at, detail)
	case domain.OpStake, domain.OpUnstake:
		deltas, err = b.staking(ctx, o, at, detail)
	case domain.OpFlashBorrow, domain.OpFlashRepay:
		deltas = b.flash(o, detail)
	}
	if err != nil {
		return domain.Handshake{}, err
	}

	h := domain.Confirmed(o, deltas, at, at, true)
	for k, v := range detail {
		h = h.WithDetail(k, v)
	}
	if premium, ok := detail["flash_premium"].(float64); ok {
		h = h.WithFee(premium, o.Token())
	} else if gas := b.gasUSD(ctx, o.Operation, at); gas > 0 {
		h = h.WithFee(gas, "USD")
	}
	b.emit(ctx, o, h)
	return h, nil
}

func (b *OnChainSim) index(ctx context.Context, token string, kind domain.IndexKind, at time.Time) (float64, error) {
	if b.deps.Market == nil {
		return 1, nil
	}
	idx, err := b.deps.Market.GetIndex(ctx, token, kind, at)
	if err != nil {
		return 0, fmt.Errorf("backend %s: %s index for %s: %w", b.Key(), kind, token, err)
	}
	if idx <= 0 {
		return 0, fmt.Errorf("backend %s: non-positive %s index for %s: %w", b.Key(), kind, token, domain.ErrMissingMarketData)
	}
	return idx, nil
}

// lending converts between the underlying and index-tracked units:
// scaled = amount / index.
func (b *OnChainSim) lending(ctx context.Context, o domain.Order, at time.Time, detail map[string]any) (map[string]float64, error) {
	underlying := o.Token()
	token := lendingToken(underlying)
	wallet := b.key("wallet", domain.PositionBaseToken, underlying)

	kind := domain.IndexLiquidity
	if o.Operation == domain.OpBorrow || o.Operation == domain.OpRepay {
		kind = domain.IndexBorrow
	}
	idx, err := b.index(ctx, token, kind, at)
	if err != nil {
		return nil, err
	}
	scaled := o.Amount / idx
	detail["index"] = idx
	detail["scaled_amount"] = scaled

	aToken := b.key(b.venue, domain.PositionAToken, domain.ATokenSymbol(token))
	debt := b.key(b.venue, domain.PositionDebtToken, domain.DebtTokenSymbol(token))
	switch o.Operation {
	case domain.OpSupply:
		return map[string]float64{wallet: -o.Amount, aToken: scaled}, nil
	case domain.OpWithdraw:
		return map[string]float64{wallet: o.Amount, aToken: -scaled}, nil
	case domain.OpBorrow:
		return map[string]float64{wallet: o.Amount, debt: scaled}, nil
	default:
		return map[string]float64{wallet: -o.Amount, debt: -scaled}, nil
	}
}

// staking converts ETH to the venue's liquid staking token at the staking
// rate. Stake amounts are ETH; unstake amounts are LST units.
func (b *OnChainSim) staking(ctx context.Context, o domain.Order, at time.Time, detail map[string]any) (map[string]float64, error) {
	syms := b.reg.Symbols(b.venue, domain.PositionLST)
	if len(syms) == 0 {
		return nil, fmt.Errorf("backend %s: no staking token registered: %w", b.Key(), domain.ErrUnknownInstrument)
	}
	lst := syms[0]
	rate, err := b.index(ctx, lst, domain.IndexStaking, at)
	if err != nil {
		return nil, err
	}
	detail["staking_rate"] = rate
	eth := b.key("wallet", domain.PositionBaseToken, "ETH")
	lstKey := b.key(b.venue, domain.PositionLST, lst)
	if o.Operation == domain.OpStake {
		return map[string]float64{eth: -o.Amount, lstKey: o.Amount / rate}, nil
	}
	return map[string]float64{lstKey: -o.Amount, eth: o.Amount * rate}, nil
}

func (b *OnChainSim) flash(o domain.Order, detail map[string]any) map[string]float64 {
	wallet := b.key("wallet", domain.PositionBaseToken, o.Token())
	if o.Operation == domain.OpFlashBorrow {
		detail["flash_premium"] = o.Amount * flashLoanFeeBps / 10_000
		return map[string]float64{wallet: o.Amount}
	}
	return map[string]float64{wallet: -o.Amount}
}

var _ Backend = (*OnChainSim)(nil)
