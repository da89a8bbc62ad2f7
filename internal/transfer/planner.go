// Package transfer plans capital movement between venues. A plan is an
// ordered list of legs, each of which becomes one Order routed on its own.
package transfer

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Config holds the safety limits and fee model used by the Planner.
type Config struct {
	MinTransferUSD      float64
	MaxTransferUSD      float64
	MaxLTV              float64
	MinMarginRatio      float64
	MinStakedReserveUSD float64
	GasFeeUSD           float64
	WithdrawalFeeBps    map[string]float64
	ConversionFeeBps    float64
	StakingAPY          float64
	UnstakeDurationDays float64
}

// ConfigFrom copies the planner settings out of the application config.
func ConfigFrom(c config.TransferConfig) Config {
	return Config{
		MinTransferUSD:      c.MinTransferUSD,
		MaxTransferUSD:      c.MaxTransferUSD,
		MaxLTV:              c.MaxLTV,
		MinMarginRatio:      c.MinMarginRatio,
		MinStakedReserveUSD: c.MinStakedReserveUSD,
		GasFeeUSD:           c.GasFeeUSD,
		WithdrawalFeeBps:    c.WithdrawalFeeBps,
		ConversionFeeBps:    c.ConversionFeeBps,
		StakingAPY:          c.StakingAPY,
		UnstakeDurationDays: c.UnstakeDurationDays,
	}
}

// Planner builds safety-validated, cost-annotated transfer plans. It holds no
// mutable state and is safe for concurrent use.
type Planner struct {
	cfg Config
	reg *domain.Registry
}

// NewPlanner creates a Planner over the instrument registry.
func NewPlanner(cfg Config, reg *domain.Registry) *Planner {
	if cfg.WithdrawalFeeBps == nil {
		cfg.WithdrawalFeeBps = map[string]float64{}
	}
	return &Planner{cfg: cfg, reg: reg}
}

// Config returns the planner's settings.
func (p *Planner) Config() Config { return p.cfg }

// Plan is a fully expanded transfer.
type Plan struct {
	Route   Route                `json:"route"`
	Cost    Cost                 `json:"cost"`
	Legs    []domain.TransferLeg `json:"legs"`
	Purpose string               `json:"purpose"`
}

// Plan validates the request and expands it into ordered legs. A safety
// violation returns a *SafetyError and no legs.
func (p *Planner) Plan(source, target string, amountUSD float64, snap domain.MarketSnapshot, purpose string) ([]domain.TransferLeg, error) {
	full, err := p.Build(source, target, amountUSD, snap, purpose)
	if err != nil {
		return nil, err
	}
	return full.Legs, nil
}

// Build is Plan with the route and cost breakdown attached.
func (p *Planner) Build(source, target string, amountUSD float64, snap domain.MarketSnapshot, purpose string) (Plan, error) {
	if _, ok := p.reg.Venue(source); !ok {
		return Plan{}, fmt.Errorf("transfer: unknown source venue %q: %w", source, domain.ErrNoRoute)
	}
	if _, ok := p.reg.Venue(target); !ok {
		return Plan{}, fmt.Errorf("transfer: unknown target venue %q: %w", target, domain.ErrNoRoute)
	}
	if err := p.Validate(source, target, amountUSD, snap); err != nil {
		return Plan{}, err
	}
	route, err := p.SelectRoute(source, target)
	if err != nil {
		return Plan{}, fmt.Errorf("transfer: %s -> %s: %w", source, target, err)
	}
	cost := p.EstimateCost(route, amountUSD)
	if purpose == "" {
		purpose = fmt.Sprintf("transfer %s -> %s", source, target)
	}
	legs, err := p.expand(route, amountUSD, cost, snap, purpose)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Route: route, Cost: cost, Legs: legs, Purpose: purpose}, nil
}

// expand turns a route into legs. Each leg consumes what the previous one
// produced: source conversion, then the move between holding venues, then
// the target conversion.
func (p *Planner) expand(r Route, amountUSD float64, cost Cost, snap domain.MarketSnapshot, purpose string) ([]domain.TransferLeg, error) {
	var legs []domain.TransferLeg
	asset := r.Asset

	switch r.SourceKind {
	case domain.VenueKindStaking:
		lst := p.lstSymbol(r.Source)
		legs = append(legs, domain.TransferLeg{
			TradeType:   domain.TradeUnstaking,
			Venue:       r.Source,
			Token:       lst,
			OutputToken: asset,
		})
	case domain.VenueKindLending:
		legs = append(legs, domain.TransferLeg{
			TradeType:   domain.TradeLendingWithdrawal,
			Venue:       r.Source,
			Token:       asset,
			OutputToken: asset,
		})
	}

	from, to := HoldingVenue(p.reg, r.Source), HoldingVenue(p.reg, r.Target)
	if from != to {
		legs = append(legs, domain.TransferLeg{
			TradeType:   domain.TradeVenueTransfer,
			Venue:       from,
			FromVenue:   from,
			ToVenue:     to,
			Token:       asset,
			OutputToken: asset,
		})
	}

	switch r.TargetKind {
	case domain.VenueKindLending:
		legs = append(legs, domain.TransferLeg{
			TradeType:   domain.TradeLendingDeposit,
			Venue:       r.Target,
			Token:       asset,
			OutputToken: domain.ATokenSymbol(lendingAsset(asset)),
		})
	case domain.VenueKindStaking:
		legs = append(legs, domain.TransferLeg{
			TradeType:   domain.TradeStaking,
			Venue:       r.Target,
			Token:       asset,
			OutputToken: p.lstSymbol(r.Target),
		})
	}

	if len(legs) == 0 {
		return nil, fmt.Errorf("transfer: %s -> %s: %w", r.Source, r.Target, domain.ErrNoRoute)
	}

	for i := range legs {
		price, err := p.price(snap, legs[i].Token)
		if err != nil {
			return nil, err
		}
		legs[i].Amount = amountUSD / price
		legs[i].AmountUSD = amountUSD
		legs[i].Purpose = fmt.Sprintf("%s [%d/%d %s]", purpose, i+1, len(legs), legs[i].TradeType)
	}

	sourceCost := cost.GasUSD/2 + cost.OpportunityUSD + cost.WithdrawalUSD
	targetCost := cost.GasUSD/2 + cost.ConversionUSD
	if len(legs) == 1 {
		legs[0].ExpectedFee = sourceCost + targetCost
	} else {
		legs[0].ExpectedFee = sourceCost
		legs[len(legs)-1].ExpectedFee = targetCost
	}
	return legs, nil
}

func (p *Planner) price(snap domain.MarketSnapshot, token string) (float64, error) {
	if px, ok := snap.Price(token); ok {
		return px, nil
	}
	// Liquid staking tokens track ETH closely enough for sizing.
	if p.isLST(token) {
		if px, ok := snap.Price("ETH"); ok {
			return px, nil
		}
	}
	return 0, fmt.Errorf("transfer: no price for %s: %w", token, domain.ErrMissingMarketData)
}

func (p *Planner) kind(venue string) domain.VenueKind {
	info, _ := p.reg.Venue(venue)
	return info.Kind
}

func (p *Planner) lstSymbol(venue string) string {
	if syms := p.reg.Symbols(venue, domain.PositionLST); len(syms) > 0 {
		return syms[0]
	}
	return "ETH"
}

func (p *Planner) isLST(token string) bool {
	for _, v := range p.reg.VenuesOfKind(domain.VenueKindStaking) {
		for _, s := range p.reg.Symbols(v, domain.PositionLST) {
			if strings.EqualFold(s, token) {
				return true
			}
		}
	}
	return false
}

// lendingAsset maps native ETH to the wrapped token lending markets hold.
func lendingAsset(token string) string {
	if token == "ETH" {
		return "WETH"
	}
	return token
}
