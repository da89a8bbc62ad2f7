package transfer

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

func testPlanner() *Planner {
	return NewPlanner(Config{
		MinTransferUSD:      100,
		MaxTransferUSD:      1_000_000,
		MaxLTV:              0.75,
		MinMarginRatio:      0.2,
		MinStakedReserveUSD: 1000,
		GasFeeUSD:           5,
		WithdrawalFeeBps:    map[string]float64{"binance": 10},
		ConversionFeeBps:    5,
		StakingAPY:          0.04,
		UnstakeDurationDays: 7,
	}, domain.DefaultRegistry())
}

func testSnapshot() domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Prices:    map[string]float64{"ETH": 2000, "stETH": 2000, "weETH": 2100, "WETH": 2000},
		Lending:   map[string]domain.LendingState{"aave_v3": {CollateralUSD: 10_000, DebtUSD: 6_000}},
		Margin:    map[string]domain.MarginState{"binance": {BalanceUSD: 50_000, NotionalUSD: 100_000}},
		Staking:   map[string]domain.StakingState{"lido": {StakedUSD: 2_000_000}},
		Idle:      map[string]float64{"wallet": 5_000},
	}
}

func TestPlanTransferLimits(t *testing.T) {
	p := testPlanner()
	snap := testSnapshot()

	tests := []struct {
		name   string
		amount float64
		check  string
	}{
		{name: "at minimum", amount: 100},
		{name: "below minimum", amount: 99, check: CheckMinTransfer},
		{name: "at maximum", amount: 1_000_000},
		{name: "above maximum", amount: 1_000_001, check: CheckMaxTransfer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			legs, err := p.Plan("lido", "binance", tc.amount, snap, "")
			if tc.check == "" {
				require.NoError(t, err)
				assert.NotEmpty(t, legs)
				return
			}
			require.Error(t, err)
			assert.Empty(t, legs)
			assert.True(t, errors.Is(err, domain.ErrSafetyViolation))
			var se *SafetyError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.check, se.Check)
		})
	}
}

func TestPlanLendingLTVCeiling(t *testing.T) {
	p := testPlanner()
	snap := testSnapshot()

	// 6000 / (10000 - 2000) == 0.75 exactly.
	legs, err := p.Plan("aave_v3", "binance", 2000, snap, "")
	require.NoError(t, err)
	require.Len(t, legs, 2)

	legs, err = p.Plan("aave_v3", "binance", 2001, snap, "")
	require.Error(t, err)
	assert.Empty(t, legs)
	var se *SafetyError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, CheckLendingLTV, se.Check)
	assert.Equal(t, "aave_v3", se.Venue)
}

func TestPlanMarginFloor(t *testing.T) {
	p := testPlanner()
	snap := testSnapshot()

	// 50000 - 30000 == 0.2 * 100000.
	_, err := p.Plan("binance", "aave_v3", 30_000, snap, "")
	require.NoError(t, err)

	_, err = p.Plan("binance", "aave_v3", 30_001, snap, "")
	var se *SafetyError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, CheckMarginRatio, se.Check)
}

func TestPlanStakedReserveShortfall(t *testing.T) {
	p := testPlanner()
	snap := testSnapshot()
	// Only 15000 above the 1000 reserve.
	snap.Staking["lido"] = domain.StakingState{StakedUSD: 16_000}

	legs, err := p.Plan("lido", "binance", 20_000, snap, "margin top-up")
	require.Error(t, err)
	assert.Nil(t, legs)
	assert.ErrorIs(t, err, domain.ErrSafetyViolation)
	var se *SafetyError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, CheckStakedReserve, se.Check)
}

func TestPlanUnknownStateIsViolation(t *testing.T) {
	p := testPlanner()
	snap := testSnapshot()
	delete(snap.Lending, "aave_v3")

	_, err := p.Plan("aave_v3", "binance", 500, snap, "")
	assert.ErrorIs(t, err, domain.ErrSafetyViolation)
}

func TestPlanLegsChain(t *testing.T) {
	p := testPlanner()
	snap := testSnapshot()

	tests := []struct {
		source, target string
		types          []domain.TradeType
	}{
		{"lido", "binance", []domain.TradeType{domain.TradeUnstaking, domain.TradeVenueTransfer}},
		{"aave_v3", "binance", []domain.TradeType{domain.TradeLendingWithdrawal, domain.TradeVenueTransfer}},
		{"binance", "aave_v3", []domain.TradeType{domain.TradeVenueTransfer, domain.TradeLendingDeposit}},
		{"lido", "aave_v3", []domain.TradeType{domain.TradeUnstaking, domain.TradeLendingDeposit}},
		{"binance", "bybit", []domain.TradeType{domain.TradeVenueTransfer}},
		{"binance", "etherfi", []domain.TradeType{domain.TradeVenueTransfer, domain.TradeStaking}},
	}
	for _, tc := range tests {
		t.Run(tc.source+"->"+tc.target, func(t *testing.T) {
			legs, err := p.Plan(tc.source, tc.target, 1000, snap, "rebalance")
			require.NoError(t, err)
			require.Len(t, legs, len(tc.types))
			for i, leg := range legs {
				assert.Equal(t, tc.types[i], leg.TradeType)
				assert.Greater(t, leg.Amount, 0.0)
				if i > 0 {
					assert.Equal(t, legs[i-1].OutputToken, leg.Token, "leg %d input", i)
				}
			}
		})
	}
}

func TestPlanStakingToCEXRoute(t *testing.T) {
	p := testPlanner()
	plan, err := p.Build("lido", "binance", 10_000, testSnapshot(), "")
	require.NoError(t, err)

	assert.Equal(t, "ETH", plan.Route.Asset)
	require.Len(t, plan.Legs, 2)
	assert.Equal(t, "stETH", plan.Legs[0].Token)
	assert.Equal(t, "ETH", plan.Legs[0].OutputToken)
	assert.InDelta(t, 5.0, plan.Legs[0].Amount, 1e-9)
	assert.Equal(t, "wallet", plan.Legs[1].FromVenue)
	assert.Equal(t, "binance", plan.Legs[1].ToVenue)

	// gas 2*5, opportunity 10000*0.04*7/365, conversion ETH->USDT 5bps.
	opportunity := 10_000 * 0.04 * 7 / 365
	assert.InDelta(t, 10+opportunity+5, plan.Cost.Total(), 1e-9)
	assert.InDelta(t, 5+opportunity, plan.Legs[0].ExpectedFee, 1e-9)
	assert.InDelta(t, 5+5, plan.Legs[1].ExpectedFee, 1e-9)
}

func TestPlanCEXWithdrawalFee(t *testing.T) {
	p := testPlanner()
	plan, err := p.Build("binance", "aave_v3", 10_000, testSnapshot(), "")
	require.NoError(t, err)
	assert.Equal(t, "USDT", plan.Route.Asset)
	assert.InDelta(t, 10.0, plan.Cost.WithdrawalUSD, 1e-9)
	assert.Zero(t, plan.Cost.ConversionUSD)
}

func TestPlanMissingPrice(t *testing.T) {
	p := testPlanner()
	snap := testSnapshot()
	snap.Prices = nil

	_, err := p.Plan("lido", "binance", 1000, snap, "")
	assert.ErrorIs(t, err, domain.ErrMissingMarketData)
}

func TestSafeWithdrawable(t *testing.T) {
	p := testPlanner()
	snap := testSnapshot()

	assert.InDelta(t, 2000, p.SafeWithdrawable("aave_v3", snap), 1e-9)
	assert.InDelta(t, 30_000, p.SafeWithdrawable("binance", snap), 1e-9)
	assert.InDelta(t, 1_999_000, p.SafeWithdrawable("lido", snap), 1e-9)
	assert.InDelta(t, 5000, p.SafeWithdrawable("wallet", snap), 1e-9)
	assert.Zero(t, p.SafeWithdrawable("bybit", snap))
}

func TestValidateAcceptsSafeWithdrawable(t *testing.T) {
	p := testPlanner()
	rng := rand.New(rand.NewSource(11))
	cents := func(lo, hi float64) float64 {
		return float64(int64((lo+rng.Float64()*(hi-lo))*100)) / 100
	}

	for range 2000 {
		snap := testSnapshot()
		collateral := cents(1000, 500_000)
		snap.Lending["aave_v3"] = domain.LendingState{CollateralUSD: collateral, DebtUSD: cents(0, 0.75*collateral)}
		notional := cents(0, 1_000_000)
		snap.Margin["binance"] = domain.MarginState{BalanceUSD: 0.2*notional + cents(0, 200_000), NotionalUSD: notional}
		snap.Staking["lido"] = domain.StakingState{StakedUSD: cents(1000, 900_000)}
		snap.Idle["wallet"] = cents(0, 100_000)

		for _, venue := range []string{"aave_v3", "binance", "lido", "wallet"} {
			amount := p.SafeWithdrawable(venue, snap)
			if amount < p.cfg.MinTransferUSD {
				continue
			}
			target := "bybit"
			if venue == "lido" || venue == "wallet" {
				target = "aave_v3"
			}
			require.NoError(t, p.Validate(venue, target, amount, snap),
				"%s at its safe withdrawable %.10f", venue, amount)
		}
	}
}

func TestValidateRejectsJustPastSafeWithdrawable(t *testing.T) {
	p := testPlanner()
	snap := testSnapshot()
	snap.Lending["aave_v3"] = domain.LendingState{CollateralUSD: 19_718.19, DebtUSD: 2500}
	snap.Staking["lido"] = domain.StakingState{StakedUSD: 20_000}

	for _, venue := range []string{"aave_v3", "binance", "lido", "wallet"} {
		amount := p.SafeWithdrawable(venue, snap)
		require.NoError(t, p.Validate(venue, "bybit", amount, snap), venue)
		assert.ErrorIs(t, p.Validate(venue, "bybit", amount+0.01, snap), domain.ErrSafetyViolation, venue)
	}
}

func TestLegOrderSwap(t *testing.T) {
	leg := domain.TransferLeg{
		TradeType:   domain.TradeSwap,
		Venue:       "uniswap_v2",
		Token:       "USDT",
		OutputToken: "WETH",
		Amount:      1000,
		AmountUSD:   1000,
	}
	o, err := LegOrder(domain.Order{OperationID: "repay-1"}, 0, leg, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.OpSwap, o.Operation)
	assert.Equal(t, "uniswap_v2", o.Venue)
	assert.Equal(t, "USDT", o.SourceToken)
	assert.Equal(t, "WETH", o.TargetToken)
	assert.InDelta(t, 1000, o.Amount, 1e-9)
	assert.NoError(t, o.Validate(domain.DefaultRegistry()))
}

func TestLegOrders(t *testing.T) {
	p := testPlanner()
	legs, err := p.Plan("lido", "binance", 4000, testSnapshot(), "")
	require.NoError(t, err)

	parent := domain.Order{OperationID: "xfer-1", Operation: domain.OpTransfer}
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	orders, err := LegOrders(parent, legs, ts)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "xfer-1-leg-0", orders[0].OperationID)
	assert.Equal(t, domain.OpUnstake, orders[0].Operation)
	assert.Equal(t, "lido", orders[0].Venue)
	assert.Equal(t, "xfer-1", orders[0].StrategyID)

	assert.Equal(t, domain.OpTransfer, orders[1].Operation)
	assert.Equal(t, "wallet", orders[1].SourceVenue)
	assert.Equal(t, "binance", orders[1].TargetVenue)
	assert.Equal(t, AmountUnitToken, orders[1].MetaString(MetaAmountUnit))
	assert.InDelta(t, 2.0, orders[1].Amount, 1e-9)
	for _, o := range orders {
		assert.NoError(t, o.Validate(domain.DefaultRegistry()))
		assert.Equal(t, ts, o.Timestamp)
	}
}

func TestLegOrderUnknownType(t *testing.T) {
	_, err := LegOrder(domain.Order{OperationID: "p"}, 0, domain.TransferLeg{TradeType: "teleport"}, time.Time{})
	assert.Error(t, err)
}
