package transfer

import "github.com/alanyoungcy/venuerouter/internal/domain"

// Cost is the USD estimate for one route.
type Cost struct {
	GasUSD         float64 `json:"gas_usd"`
	OpportunityUSD float64 `json:"opportunity_usd"`
	WithdrawalUSD  float64 `json:"withdrawal_usd"`
	ConversionUSD  float64 `json:"conversion_usd"`
}

// Total sums every component.
func (c Cost) Total() float64 {
	return c.GasUSD + c.OpportunityUSD + c.WithdrawalUSD + c.ConversionUSD
}

// EstimateCost prices a route: two transaction fees, forfeited staking yield
// for the unstake duration or an exchange withdrawal fee, and a conversion fee
// when the route asset is not the target's settlement asset.
func (p *Planner) EstimateCost(r Route, amountUSD float64) Cost {
	c := Cost{GasUSD: 2 * p.cfg.GasFeeUSD}
	switch r.SourceKind {
	case domain.VenueKindStaking:
		c.OpportunityUSD = amountUSD * p.cfg.StakingAPY * p.cfg.UnstakeDurationDays / 365
	case domain.VenueKindCEX:
		c.WithdrawalUSD = amountUSD * p.cfg.WithdrawalFeeBps[r.Source] / 10_000
	}
	if info, ok := p.reg.Venue(r.Target); ok && info.Settlement != "" && info.Settlement != r.Asset {
		c.ConversionUSD = amountUSD * p.cfg.ConversionFeeBps / 10_000
	}
	return c
}
