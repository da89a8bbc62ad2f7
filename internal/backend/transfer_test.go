package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

func simSetup(t *testing.T, notifier domain.Notifier) (map[string]Backend, *Factory) {
	t.Helper()
	cfg := config.Defaults()
	f := NewFactory(&cfg, domain.DefaultRegistry(), nil, notifier, discardLogger())
	backends, err := f.CreateAll(context.Background(), ModeSimulate, nil)
	require.NoError(t, err)
	return backends, f
}

func wireSim(f *Factory, backends map[string]Backend) *fakeBook {
	book := &fakeBook{snap: domain.MarketSnapshot{
		Prices:  map[string]float64{"ETH": 2000, "stETH": 2000, "WETH": 2000},
		Lending: map[string]domain.LendingState{"aave_v3": {CollateralUSD: 100_000, DebtUSD: 10_000}},
		Margin:  map[string]domain.MarginState{"binance": {BalanceUSD: 50_000, NotionalUSD: 50_000}},
		Staking: map[string]domain.StakingState{"lido": {StakedUSD: 2_000_000}},
	}}
	f.Wire(backends, book, nil, &fakeMarket{prices: map[string]float64{"ETH": 2000}})
	return book
}

func usdTransfer(id, from, to string, amount float64) domain.Order {
	return domain.Order{
		OperationID: id,
		Operation:   domain.OpTransfer,
		Venue:       "wallet",
		SourceVenue: from,
		TargetVenue: to,
		Amount:      amount,
		Timestamp:   testTick,
	}
}

func TestTransferPlannedStakingToExchange(t *testing.T) {
	backends, f := simSetup(t, nil)
	wireSim(f, backends)
	tb := backends["transfer_wallet"]

	h, err := tb.Execute(context.Background(), usdTransfer("x-1", "lido", "binance", 4000))
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, h.Status, h.ErrorMessage)

	assert.True(t, h.Simulated)
	assert.InDelta(t, -2, h.ActualDeltas["lido:LST:stETH"], 1e-9)
	assert.InDelta(t, 0, h.ActualDeltas["wallet:BaseToken:ETH"], 1e-9)
	assert.InDelta(t, 2, h.ActualDeltas["binance:BaseToken:ETH"], 1e-9)
	assert.NoError(t, domain.DefaultRegistry().ValidateDeltas(h.ActualDeltas))

	legs := h.ExecutionDetails["legs"].([]map[string]any)
	require.Len(t, legs, 2)
	assert.Equal(t, "x-1-leg-0", legs[0]["operation_id"])
	assert.Equal(t, "unstake", legs[0]["operation"])
	assert.Equal(t, "transfer", legs[1]["operation"])

	opportunity := 4000 * 0.035 * 5 / 365
	assert.InDelta(t, 30+opportunity+4, h.FeeAmount, 1e-9)
	assert.Equal(t, "USD", h.FeeCurrency)
}

func TestTransferSafetyViolation(t *testing.T) {
	backends, f := simSetup(t, nil)
	wireSim(f, backends)

	h, err := backends["transfer_wallet"].Execute(context.Background(), usdTransfer("x-2", "lido", "binance", 5_000_000))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, h.Status)
	assert.Equal(t, "TRANSFER_WALLET_SAFETY_VIOLATION", h.ErrorCode)
	assert.Empty(t, h.ActualDeltas)
}

func TestTransferWithoutSnapshotSource(t *testing.T) {
	backends, _ := simSetup(t, nil)
	_, err := backends["transfer_wallet"].Execute(context.Background(), usdTransfer("x-3", "lido", "binance", 4000))
	assert.ErrorIs(t, err, domain.ErrMissingMarketData)
}

func failingSupply() *stubBackend {
	return &stubBackend{
		family: FamilyOnChain,
		venue:  "aave_v3",
		ops:    []domain.Operation{domain.OpSupply},
		fn: func(o domain.Order) (domain.Handshake, error) {
			return domain.Failed(o, "ONCHAIN_AAVE_V3_REJECTED", "supply cap reached", o.Timestamp, true), nil
		},
	}
}

func TestTransferLegFailureCompensates(t *testing.T) {
	backends, f := simSetup(t, nil)
	backends["onchain_aave_v3"] = failingSupply()
	wireSim(f, backends)

	h, err := backends["transfer_wallet"].Execute(context.Background(), usdTransfer("x-4", "lido", "aave_v3", 4000))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, h.Status)
	assert.Equal(t, "TRANSFER_WALLET_LEG_FAILED", h.ErrorCode)
	assert.Contains(t, h.ErrorMessage, "supply cap reached")
	assert.Empty(t, h.ActualDeltas)

	undo := h.ExecutionDetails["compensations"].([]map[string]any)
	require.Len(t, undo, 1)
	assert.Equal(t, "x-4-leg-0-undo", undo[0]["operation_id"])
	assert.Equal(t, "stake", undo[0]["operation"])
	assert.Equal(t, "CONFIRMED", undo[0]["status"])
}

func TestTransferStrandedAlerts(t *testing.T) {
	notifier := &recordingNotifier{}
	backends, f := simSetup(t, notifier)
	backends["onchain_aave_v3"] = failingSupply()
	backends["onchain_lido"] = &stubBackend{
		family: FamilyOnChain,
		venue:  "lido",
		ops:    []domain.Operation{domain.OpStake, domain.OpUnstake},
		fn: func(o domain.Order) (domain.Handshake, error) {
			if o.Operation == domain.OpUnstake {
				deltas := map[string]float64{"lido:LST:stETH": -o.Amount, "wallet:BaseToken:ETH": o.Amount}
				return domain.Confirmed(o, deltas, o.Timestamp, o.Timestamp, true), nil
			}
			return domain.Failed(o, "ONCHAIN_LIDO_REJECTED", "staking paused", o.Timestamp, true), nil
		},
	}
	wireSim(f, backends)

	h, err := backends["transfer_wallet"].Execute(context.Background(), usdTransfer("x-5", "lido", "aave_v3", 4000))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, h.Status)
	assert.Equal(t, "TRANSFER_WALLET_PARTIAL_STRANDED", h.ErrorCode)
	assert.Empty(t, h.ActualDeltas)
	stranded := h.ExecutionDetails["stranded_deltas"].(map[string]float64)
	assert.InDelta(t, -2, stranded["lido:LST:stETH"], 1e-9)
	assert.InDelta(t, 2, stranded["wallet:BaseToken:ETH"], 1e-9)
	assert.Equal(t, []string{"transfer_stranded"}, notifier.events)
}

func TestTransferTokenMoveSimulated(t *testing.T) {
	backends, f := simSetup(t, nil)
	wireSim(f, backends)

	h, err := backends["transfer_wallet"].Execute(context.Background(), domain.Order{
		OperationID: "m-1", Operation: domain.OpTransfer, Venue: "binance",
		SourceVenue: "binance", TargetVenue: "bybit", TargetToken: "USDT", Amount: 750,
		Metadata: map[string]any{"amount_unit": "token"}, Timestamp: testTick,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"binance:BaseToken:USDT": -750, "bybit:BaseToken:USDT": 750}, h.ActualDeltas)
}
