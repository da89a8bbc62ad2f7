package transfer

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Safety check names carried by SafetyError.
const (
	CheckMinTransfer   = "min_transfer"
	CheckMaxTransfer   = "max_transfer"
	CheckLendingLTV    = "lending_ltv"
	CheckMarginRatio   = "margin_ratio"
	CheckStakedReserve = "staked_reserve"
	CheckIdleBalance   = "idle_balance"
	CheckUnknownState  = "venue_state"
	CheckSameVenue     = "same_venue"
)

// SafetyError reports which constraint a transfer request violated. Value is
// the projected figure that crossed Limit.
type SafetyError struct {
	Check string
	Venue string
	Limit float64
	Value float64
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("transfer: safety check %s failed for %s: value %.6g, limit %.6g", e.Check, e.Venue, e.Value, e.Limit)
}

func (e *SafetyError) Unwrap() error { return domain.ErrSafetyViolation }

// Validate runs every safety check for moving amountUSD out of source. It
// never builds legs; callers must not move capital when it fails.
func (p *Planner) Validate(source, target string, amountUSD float64, snap domain.MarketSnapshot) error {
	if source == target {
		return &SafetyError{Check: CheckSameVenue, Venue: source}
	}
	if amountUSD < p.cfg.MinTransferUSD {
		return &SafetyError{Check: CheckMinTransfer, Venue: source, Limit: p.cfg.MinTransferUSD, Value: amountUSD}
	}
	if amountUSD > p.cfg.MaxTransferUSD {
		return &SafetyError{Check: CheckMaxTransfer, Venue: source, Limit: p.cfg.MaxTransferUSD, Value: amountUSD}
	}

	switch p.kind(source) {
	case domain.VenueKindLending:
		st, ok := snap.Lending[source]
		if !ok {
			return &SafetyError{Check: CheckUnknownState, Venue: source}
		}
		return p.checkLTV(source, st, amountUSD)
	case domain.VenueKindCEX:
		m, ok := snap.Margin[source]
		if !ok {
			return &SafetyError{Check: CheckUnknownState, Venue: source}
		}
		return p.checkMargin(source, m, amountUSD)
	case domain.VenueKindStaking:
		st, ok := snap.Staking[source]
		if !ok {
			return &SafetyError{Check: CheckUnknownState, Venue: source}
		}
		remaining := st.StakedUSD - amountUSD
		if remaining < p.cfg.MinStakedReserveUSD-slack(st.StakedUSD) {
			return &SafetyError{Check: CheckStakedReserve, Venue: source, Limit: p.cfg.MinStakedReserveUSD, Value: remaining}
		}
	case domain.VenueKindWallet:
		idle := snap.Idle[source]
		if amountUSD > idle+slack(idle) {
			return &SafetyError{Check: CheckIdleBalance, Venue: source, Limit: idle, Value: amountUSD}
		}
	}
	return nil
}

func (p *Planner) checkLTV(venue string, st domain.LendingState, amountUSD float64) error {
	remaining := st.CollateralUSD - amountUSD
	if remaining < 0 {
		return &SafetyError{Check: CheckLendingLTV, Venue: venue, Limit: st.CollateralUSD, Value: amountUSD}
	}
	if st.DebtUSD <= 0 {
		return nil
	}
	if remaining == 0 {
		return &SafetyError{Check: CheckLendingLTV, Venue: venue, Limit: p.cfg.MaxLTV, Value: st.DebtUSD}
	}
	// Compared as a collateral floor so an amount taken from SafeWithdrawable
	// passes despite rounding in the subtraction.
	if remaining < st.DebtUSD/p.cfg.MaxLTV-slack(st.CollateralUSD) {
		return &SafetyError{Check: CheckLendingLTV, Venue: venue, Limit: p.cfg.MaxLTV, Value: st.DebtUSD / remaining}
	}
	return nil
}

func (p *Planner) checkMargin(venue string, m domain.MarginState, amountUSD float64) error {
	remaining := m.BalanceUSD - amountUSD
	required := p.cfg.MinMarginRatio * m.NotionalUSD
	if remaining < 0 || remaining < required-slack(math.Max(m.BalanceUSD, required)) {
		return &SafetyError{Check: CheckMarginRatio, Venue: venue, Limit: required, Value: remaining}
	}
	return nil
}

// slack is the rounding allowance for a limit comparison at magnitude x.
func slack(x float64) float64 {
	return 1e-9 * math.Max(math.Abs(x), 1)
}

// SafeWithdrawable is the largest amount that can leave venue without
// tripping its venue-specific check. Validate accepts exactly this amount.
// Transfer limits are not applied.
func (p *Planner) SafeWithdrawable(venue string, snap domain.MarketSnapshot) float64 {
	var capUSD float64
	switch p.kind(venue) {
	case domain.VenueKindLending:
		st := snap.Lending[venue]
		capUSD = st.CollateralUSD
		if st.DebtUSD > 0 {
			capUSD = st.CollateralUSD - st.DebtUSD/p.cfg.MaxLTV
		}
	case domain.VenueKindCEX:
		m := snap.Margin[venue]
		capUSD = m.BalanceUSD - p.cfg.MinMarginRatio*m.NotionalUSD
	case domain.VenueKindStaking:
		capUSD = snap.Staking[venue].StakedUSD - p.cfg.MinStakedReserveUSD
	case domain.VenueKindWallet:
		capUSD = snap.Idle[venue]
	}
	if capUSD < 0 {
		return 0
	}
	return capUSD
}
