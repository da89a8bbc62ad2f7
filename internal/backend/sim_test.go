package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func TestCEXSimSpotBuy(t *testing.T) {
	reg := domain.DefaultRegistry()
	b := NewCEXSim("binance", reg, config.SimulationConfig{SpotFeeBps: 10})

	o := domain.Order{
		OperationID: "op-1",
		Operation:   domain.OpSpotTrade,
		Venue:       "binance",
		TargetToken: "BTC",
		Side:        domain.OrderSideBuy,
		Amount:      1.0,
		Price:       ptr(50_000),
		Timestamp:   testTick,
	}
	h, err := b.Execute(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusConfirmed, h.Status)
	assert.True(t, h.Simulated)
	assert.Equal(t, map[string]float64{
		"binance:BaseToken:BTC":  1.0,
		"binance:BaseToken:USDT": -50_000.0,
	}, h.ActualDeltas)
	require.NotNil(t, h.ExecutedAt)
	assert.Equal(t, testTick, *h.ExecutedAt)
	assert.InDelta(t, 50.0, h.FeeAmount, 1e-9)
	assert.Equal(t, "USDT", h.FeeCurrency)
	assert.Equal(t, "sim-op-1", h.ExecutionDetails["venue_order_id"])
	assert.NoError(t, reg.ValidateDeltas(h.ActualDeltas))
}

func TestCEXSimPerpSellUsesMarketPrice(t *testing.T) {
	b := NewCEXSim("bybit", domain.DefaultRegistry(), config.SimulationConfig{PerpFeeBps: 5})
	b.SetDependencies(Dependencies{Market: &fakeMarket{prices: map[string]float64{"ETH": 3000}}})

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "op-2",
		Operation:   domain.OpPerpTrade,
		Venue:       "bybit",
		TargetToken: "ETH",
		Side:        domain.OrderSideSell,
		Amount:      2,
		Timestamp:   testTick,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"bybit:Perp:ETH": -2}, h.ActualDeltas)
	assert.InDelta(t, 3.0, h.FeeAmount, 1e-9)
	assert.Equal(t, 3000.0, h.ExecutionDetails["fill_price"])
}

func TestCEXSimMissingPrice(t *testing.T) {
	b := NewCEXSim("binance", domain.DefaultRegistry(), config.SimulationConfig{})
	_, err := b.Execute(context.Background(), domain.Order{
		OperationID: "op-3",
		Operation:   domain.OpSpotTrade,
		TargetToken: "BTC",
		Side:        domain.OrderSideBuy,
		Amount:      1,
	})
	assert.ErrorIs(t, err, domain.ErrMissingMarketData)
}

func TestCEXSimUnsupportedOperation(t *testing.T) {
	b := NewCEXSim("binance", domain.DefaultRegistry(), config.SimulationConfig{})
	h, err := b.Execute(context.Background(), domain.Order{OperationID: "op-4", Operation: domain.OpSupply, Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, h.Status)
	assert.Equal(t, "CEX_BINANCE_UNSUPPORTED", h.ErrorCode)
	assert.Empty(t, h.ActualDeltas)
}

func TestOnChainSimLending(t *testing.T) {
	reg := domain.DefaultRegistry()
	b := NewOnChainSim("aave_v3", reg)
	b.SetDependencies(Dependencies{Market: &fakeMarket{
		indexes: map[string]float64{"USDT:liquidity": 1.25, "WETH:borrow": 1.1},
		gas:     4,
	}})

	tests := []struct {
		name   string
		op     domain.Operation
		token  string
		amount float64
		want   map[string]float64
	}{
		{"supply", domain.OpSupply, "USDT", 1000, map[string]float64{"wallet:BaseToken:USDT": -1000, "aave_v3:aToken:aUSDT": 800}},
		{"withdraw", domain.OpWithdraw, "USDT", 500, map[string]float64{"wallet:BaseToken:USDT": 500, "aave_v3:aToken:aUSDT": -400}},
		{"borrow", domain.OpBorrow, "WETH", 1.1, map[string]float64{"wallet:BaseToken:WETH": 1.1, "aave_v3:debtToken:debtWETH": 1}},
		{"repay", domain.OpRepay, "WETH", 2.2, map[string]float64{"wallet:BaseToken:WETH": -2.2, "aave_v3:debtToken:debtWETH": -2}},
		{"supply native eth", domain.OpSupply, "ETH", 2, map[string]float64{"wallet:BaseToken:ETH": -2, "aave_v3:aToken:aWETH": 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, err := b.Execute(context.Background(), domain.Order{
				OperationID: "op-" + tc.name,
				Operation:   tc.op,
				Venue:       "aave_v3",
				TargetToken: tc.token,
				Amount:      tc.amount,
				Timestamp:   testTick,
			})
			require.NoError(t, err)
			require.Equal(t, domain.StatusConfirmed, h.Status)
			require.Len(t, h.ActualDeltas, len(tc.want))
			for k, v := range tc.want {
				assert.InDelta(t, v, h.ActualDeltas[k], 1e-9, k)
			}
			assert.NoError(t, reg.ValidateDeltas(h.ActualDeltas))
			assert.Equal(t, 4.0, h.FeeAmount)
			assert.Equal(t, "USD", h.FeeCurrency)
		})
	}
}

func TestOnChainSimStaking(t *testing.T) {
	b := NewOnChainSim("lido", domain.DefaultRegistry())
	b.SetDependencies(Dependencies{Market: &fakeMarket{indexes: map[string]float64{"stETH:staking": 1.25}}})

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "stake-1", Operation: domain.OpStake, Venue: "lido",
		SourceToken: "ETH", TargetToken: "stETH", Amount: 10, Timestamp: testTick,
	})
	require.NoError(t, err)
	assert.InDelta(t, -10, h.ActualDeltas["wallet:BaseToken:ETH"], 1e-9)
	assert.InDelta(t, 8, h.ActualDeltas["lido:LST:stETH"], 1e-9)

	h, err = b.Execute(context.Background(), domain.Order{
		OperationID: "unstake-1", Operation: domain.OpUnstake, Venue: "lido",
		SourceToken: "stETH", TargetToken: "ETH", Amount: 8, Timestamp: testTick,
	})
	require.NoError(t, err)
	assert.InDelta(t, 10, h.ActualDeltas["wallet:BaseToken:ETH"], 1e-9)
	assert.InDelta(t, -8, h.ActualDeltas["lido:LST:stETH"], 1e-9)
}

func TestOnChainSimSupports(t *testing.T) {
	reg := domain.DefaultRegistry()
	assert.True(t, NewOnChainSim("aave_v3", reg).Supports(domain.OpBorrow))
	assert.False(t, NewOnChainSim("morpho", reg).Supports(domain.OpBorrow))
	assert.True(t, NewOnChainSim("morpho", reg).Supports(domain.OpSupply))
	assert.True(t, NewOnChainSim("lido", reg).Supports(domain.OpStake))
	assert.False(t, NewOnChainSim("lido", reg).Supports(domain.OpSupply))
}

func TestOnChainSimFlashLoan(t *testing.T) {
	b := NewOnChainSim("aave_v3", domain.DefaultRegistry())
	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "flash-1", Operation: domain.OpFlashBorrow, Venue: "aave_v3",
		TargetToken: "USDC", Amount: 10_000, Timestamp: testTick,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"wallet:BaseToken:USDC": 10_000}, h.ActualDeltas)
	assert.InDelta(t, 5.0, h.FeeAmount, 1e-9)
	assert.Equal(t, "USDC", h.FeeCurrency)
}

func TestLendingSimUnsupported(t *testing.T) {
	b := NewLendingSim("morpho", domain.DefaultRegistry(), config.SimulationConfig{LendingAPYFloor: 0.02, LendingAPYCeiling: 0.08, Seed: 1})
	require.True(t, b.Supports(domain.OpBorrow))

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "b-1", Operation: domain.OpBorrow, Venue: "morpho", TargetToken: "USDC", Amount: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, h.Status)
	assert.Equal(t, "ONCHAIN_MORPHO_UNSUPPORTED", h.ErrorCode)
	assert.Equal(t, ErrorCode(FamilyOnChain, "morpho", SuffixUnsupported), h.ErrorCode)
	assert.Contains(t, h.ErrorMessage, "not supported in this strategy")
	assert.Empty(t, h.ActualDeltas)
}

func TestLendingSimDeterministicGrowth(t *testing.T) {
	sim := config.SimulationConfig{LendingAPYFloor: 0.02, LendingAPYCeiling: 0.08, Seed: 7}
	run := func() []float64 {
		b := NewLendingSim("morpho", domain.DefaultRegistry(), sim)
		var out []float64
		for i := 0; i < 3; i++ {
			h, err := b.Execute(context.Background(), domain.Order{
				OperationID: "s", Operation: domain.OpSupply, Venue: "morpho", TargetToken: "USDC",
				Amount: 1000, Timestamp: testTick.AddDate(0, 0, 30*i),
			})
			require.NoError(t, err)
			require.Equal(t, domain.StatusConfirmed, h.Status)
			out = append(out, h.ExecutionDetails["index"].(float64))
			apy := h.ExecutionDetails["apy"].(float64)
			assert.GreaterOrEqual(t, apy, 0.02)
			assert.LessOrEqual(t, apy, 0.08)
		}
		return out
	}

	first, second := run(), run()
	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, first[0])
	assert.Greater(t, first[1], first[0])
	assert.Greater(t, first[2], first[1])
}

func TestDEXSimSwap(t *testing.T) {
	b := NewDEXSim("uniswap_v2", domain.DefaultRegistry(), config.SimulationConfig{DEXFeeBps: 30, DEXSlippageBps: 50})
	b.SetDependencies(Dependencies{Market: &fakeMarket{prices: map[string]float64{"WETH": 2000}}})

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "swap-1", Operation: domain.OpSwap, Venue: "uniswap_v2",
		SourceToken: "USDC", TargetToken: "WETH", Amount: 4000, Timestamp: testTick,
	})
	require.NoError(t, err)
	out := 2.0 * (1 - 0.003) * (1 - 0.005)
	assert.InDelta(t, -4000, h.ActualDeltas["wallet:BaseToken:USDC"], 1e-9)
	assert.InDelta(t, out, h.ActualDeltas["wallet:BaseToken:WETH"], 1e-12)
	assert.InDelta(t, 12.0, h.FeeAmount, 1e-9)
}
