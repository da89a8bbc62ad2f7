package transfer

import "github.com/alanyoungcy/venuerouter/internal/domain"

type kindPair struct {
	from, to domain.VenueKind
}

// routeAssets picks the intermediate asset per (source kind, target kind).
// Leaving a staking venue goes through ETH; stablecoin venues stay in USDT.
var routeAssets = map[kindPair]string{
	{domain.VenueKindStaking, domain.VenueKindCEX}:     "ETH",
	{domain.VenueKindStaking, domain.VenueKindLending}: "ETH",
	{domain.VenueKindStaking, domain.VenueKindStaking}: "ETH",
	{domain.VenueKindStaking, domain.VenueKindWallet}:  "ETH",
	{domain.VenueKindLending, domain.VenueKindCEX}:     "USDT",
	{domain.VenueKindCEX, domain.VenueKindLending}:     "USDT",
	{domain.VenueKindCEX, domain.VenueKindCEX}:         "USDT",
	{domain.VenueKindLending, domain.VenueKindLending}: "USDT",
	{domain.VenueKindLending, domain.VenueKindStaking}: "ETH",
	{domain.VenueKindCEX, domain.VenueKindStaking}:     "ETH",
	{domain.VenueKindWallet, domain.VenueKindStaking}:  "ETH",
}

// Route is the chosen path between two venues.
type Route struct {
	Source     string
	Target     string
	SourceKind domain.VenueKind
	TargetKind domain.VenueKind
	Asset      string
}

// SelectRoute chooses the intermediate asset for moving capital from source
// to target. Pairs missing from the table settle in the target's native asset.
func (p *Planner) SelectRoute(source, target string) (Route, error) {
	src, ok := p.reg.Venue(source)
	if !ok {
		return Route{}, domain.ErrNoRoute
	}
	dst, ok := p.reg.Venue(target)
	if !ok {
		return Route{}, domain.ErrNoRoute
	}
	if dst.Kind == domain.VenueKindDEX || src.Kind == domain.VenueKindDEX {
		return Route{}, domain.ErrNoRoute
	}
	asset, ok := routeAssets[kindPair{src.Kind, dst.Kind}]
	if !ok {
		asset = dst.Settlement
	}
	return Route{Source: source, Target: target, SourceKind: src.Kind, TargetKind: dst.Kind, Asset: asset}, nil
}

// HoldingVenue is where funds sit between legs: exchanges hold their own
// balances, every on-chain protocol settles into the wallet.
func HoldingVenue(reg *domain.Registry, venue string) string {
	if info, ok := reg.Venue(venue); ok && info.Kind == domain.VenueKindCEX {
		return venue
	}
	return "wallet"
}
