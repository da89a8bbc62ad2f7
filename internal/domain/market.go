package domain

import (
	"math"
	"time"
)

// IndexKind selects between the supply (liquidity) and borrow index of a
// lending market, or the exchange rate of a liquid staking token.
type IndexKind string

const (
	IndexLiquidity IndexKind = "liquidity"
	IndexBorrow    IndexKind = "borrow"
	IndexStaking   IndexKind = "staking"
)

// LendingState is the per-venue lending picture the planner reasons about.
// All values are in USD.
type LendingState struct {
	CollateralUSD float64 `json:"collateral_usd"`
	DebtUSD       float64 `json:"debt_usd"`
}

// LTV returns debt / collateral, or +Inf when debt exists without collateral.
func (s LendingState) LTV() float64 {
	if s.CollateralUSD <= 0 {
		if s.DebtUSD > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return s.DebtUSD / s.CollateralUSD
}

// MarginState is a derivatives venue's margin picture in USD.
type MarginState struct {
	BalanceUSD  float64 `json:"balance_usd"`
	NotionalUSD float64 `json:"notional_usd"`
}

// Ratio returns margin balance / open notional, or +Inf with no position.
func (s MarginState) Ratio() float64 {
	if s.NotionalUSD <= 0 {
		return math.Inf(1)
	}
	return s.BalanceUSD / s.NotionalUSD
}

// StakingState is a staking venue's staked value in USD.
type StakingState struct {
	StakedUSD float64 `json:"staked_usd"`
	APY       float64 `json:"apy"`
}

// MarketSnapshot is the point-in-time view of prices and venue state that the
// planner and the rebalancer consume.
type MarketSnapshot struct {
	Timestamp time.Time               `json:"timestamp"`
	Prices    map[string]float64      `json:"prices"` // token symbol -> USD
	Lending   map[string]LendingState `json:"lending,omitempty"`
	Margin    map[string]MarginState  `json:"margin,omitempty"`
	Staking   map[string]StakingState `json:"staking,omitempty"`
	Idle      map[string]float64      `json:"idle,omitempty"` // venue -> idle stablecoin USD
}

// Price returns the USD price of a token. Stablecoins default to 1.
func (m MarketSnapshot) Price(token string) (float64, bool) {
	if p, ok := m.Prices[token]; ok && p > 0 {
		return p, true
	}
	switch token {
	case "USDT", "USDC", "DAI":
		return 1, true
	}
	return 0, false
}

// DebtPosition is one borrowed token on a lending venue, with the yield the
// borrowed capital is enabling and what it costs.
type DebtPosition struct {
	Venue     string  `json:"venue"`
	Token     string  `json:"token"`
	AmountUSD float64 `json:"amount_usd"`
	YieldAPY  float64 `json:"yield_apy"`
	CostAPY   float64 `json:"cost_apy"`
}

// Efficiency is annual yield enabled divided by annual cost.
func (d DebtPosition) Efficiency() float64 {
	if d.CostAPY <= 0 {
		return math.Inf(1)
	}
	return d.YieldAPY / d.CostAPY
}

// PerpPosition is an open derivative position used as a last-resort source.
type PerpPosition struct {
	Venue       string  `json:"venue"`
	Symbol      string  `json:"symbol"`
	Size        float64 `json:"size"` // signed, negative is short
	NotionalUSD float64 `json:"notional_usd"`
}

// HealthSnapshot is the risk picture handed to the rebalancer.
type HealthSnapshot struct {
	Timestamp     time.Time          `json:"timestamp"`
	LendingVenue  string             `json:"lending_venue"`
	MarginVenue   string             `json:"margin_venue"`
	StakingVenue  string             `json:"staking_venue"`
	CurrentLTV    float64            `json:"current_ltv"`
	MarginRatio   float64            `json:"margin_ratio"`
	Debts         []DebtPosition     `json:"debts,omitempty"`
	Perps         []PerpPosition     `json:"perps,omitempty"`
	VenuePnL      map[string]float64 `json:"venue_pnl,omitempty"` // venue -> PnL excess (+) or deficit (-) in USD
	Restaking     bool               `json:"restaking,omitempty"`
	BasisTrade    bool               `json:"basis_trade,omitempty"`
}

// RouterHealth is the operational polling surface of the router.
type RouterHealth struct {
	Status            string   `json:"status"`
	Routed            int64    `json:"routed"`
	Succeeded         int64    `json:"succeeded"`
	Failed            int64    `json:"failed"`
	SuccessRate       float64  `json:"success_rate"`
	AvailableBackends []string `json:"available_backends"`
}

// RoutingRecord is one entry of the router's append-only routing history.
type RoutingRecord struct {
	Timestamp   time.Time       `json:"timestamp"`
	OperationID string          `json:"operation_id"`
	OrderType   Operation       `json:"order_type"`
	Venue       string          `json:"venue"`
	Backend     string          `json:"backend"`
	Result      HandshakeStatus `json:"result"`
	ErrorCode   string          `json:"error_code,omitempty"`
}
