package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/transfer"
)

func TestCEXLivePartialFill(t *testing.T) {
	client := &fakeExchange{venue: "binance", fill: domain.ExchangeFill{
		VenueOrderID: "881", Status: "PARTIALLY_FILLED", FilledQty: 0.5, AvgPrice: 50_000,
		Fee: 0.0004, FeeAsset: "BNB", TransactTime: testTick,
	}}
	b := NewCEXLive(client, domain.DefaultRegistry(), nil, discardLogger())

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "live-1", Operation: domain.OpSpotTrade, TargetToken: "BTC",
		Side: domain.OrderSideBuy, Amount: 1, Price: ptr(50_100),
	})
	require.NoError(t, err)
	assert.False(t, h.Simulated)
	assert.Equal(t, domain.StatusConfirmed, h.Status)
	assert.Equal(t, map[string]float64{"binance:BaseToken:BTC": 0.5, "binance:BaseToken:USDT": -25_000}, h.ActualDeltas)
	assert.Equal(t, "BNB", h.FeeCurrency)
	assert.Equal(t, true, h.ExecutionDetails["partial_fill"])

	require.Len(t, client.orders, 1)
	assert.Equal(t, "BTCUSDT", client.orders[0].Symbol())
	assert.Equal(t, "live-1", client.orders[0].ClientOrderID)
}

func TestCEXLiveReduceOnlyPerp(t *testing.T) {
	client := &fakeExchange{venue: "bybit", fill: domain.ExchangeFill{FilledQty: 3, AvgPrice: 3000}}
	b := NewCEXLive(client, domain.DefaultRegistry(), nil, discardLogger())

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "live-2", Operation: domain.OpPerpTrade, TargetToken: "ETH",
		Side: domain.OrderSideBuy, Amount: 3, Metadata: map[string]any{"reduce_only": true},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"bybit:Perp:ETH": 3}, h.ActualDeltas)
	assert.True(t, client.orders[0].ReduceOnly)
	assert.Equal(t, domain.MarketPerp, client.orders[0].Market)
}

func TestCEXLiveUnfilledAndErrors(t *testing.T) {
	client := &fakeExchange{venue: "binance", fill: domain.ExchangeFill{VenueOrderID: "9", Status: "EXPIRED"}}
	b := NewCEXLive(client, domain.DefaultRegistry(), nil, discardLogger())
	o := domain.Order{OperationID: "live-3", Operation: domain.OpSpotTrade, TargetToken: "BTC", Side: domain.OrderSideSell, Amount: 1}

	h, err := b.Execute(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, h.Status)
	assert.Equal(t, "CEX_BINANCE_REJECTED", h.ErrorCode)
	assert.Empty(t, h.ActualDeltas)

	client.err = domain.ErrRateLimited
	_, err = b.Execute(context.Background(), o)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
	assert.True(t, Classify(err).Retryable)
}

func TestCEXLiveCancelAllSymbols(t *testing.T) {
	client := &fakeExchange{venue: "binance"}
	b := NewCEXLive(client, domain.DefaultRegistry(), nil, discardLogger())
	require.NoError(t, b.CancelAll(context.Background()))
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, client.cancelled)
}

func TestOnChainLiveSupplySettlesOnBalances(t *testing.T) {
	chain := &fakeChain{gas: 0.001, balances: map[string]float64{"wallet:BaseToken:USDT": 1000, "wallet:BaseToken:ETH": 1}}
	b := NewOnChainLive("aave_v3", domain.DefaultRegistry(), chain, nil, discardLogger())

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "c-1", Operation: domain.OpSupply, Venue: "aave_v3", TargetToken: "USDT", Amount: 400,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, h.Status)
	assert.InDelta(t, -400, h.ActualDeltas["wallet:BaseToken:USDT"], 1e-9)
	assert.InDelta(t, 400, h.ActualDeltas["aave_v3:aToken:aUSDT"], 1e-9)
	assert.Equal(t, 0.001, h.FeeAmount)
	assert.Equal(t, "ETH", h.FeeCurrency)
	assert.Equal(t, "0xabc", h.ExecutionDetails["tx_hash"])
}

func TestOnChainLiveStakeExcludesGas(t *testing.T) {
	chain := &fakeChain{gas: 0.001, balances: map[string]float64{"wallet:BaseToken:ETH": 10}}
	b := NewOnChainLive("lido", domain.DefaultRegistry(), chain, nil, discardLogger())

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "c-2", Operation: domain.OpStake, Venue: "lido", SourceToken: "ETH", TargetToken: "stETH", Amount: 2,
	})
	require.NoError(t, err)
	assert.InDelta(t, -2, h.ActualDeltas["wallet:BaseToken:ETH"], 1e-9)
	assert.InDelta(t, 2, h.ActualDeltas["lido:LST:stETH"], 1e-9)
}

func TestOnChainLiveUnstakeIsPending(t *testing.T) {
	chain := &fakeChain{balances: map[string]float64{}}
	b := NewOnChainLive("lido", domain.DefaultRegistry(), chain, nil, discardLogger())

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "c-3", Operation: domain.OpUnstake, Venue: "lido", SourceToken: "stETH", TargetToken: "ETH", Amount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, h.Status)
	assert.Equal(t, "req-7", h.ExecutionDetails["withdrawal_request_id"])
	assert.Empty(t, h.ActualDeltas)
	assert.False(t, b.Supports(domain.OpFlashBorrow))
}

func TestDEXLiveSwap(t *testing.T) {
	chain := &fakeChain{quote: 1.99, balances: map[string]float64{"wallet:BaseToken:USDC": 5000}}
	b := NewDEXLive("uniswap_v2", domain.DefaultRegistry(), chain, nil, 50, discardLogger())

	h, err := b.Execute(context.Background(), domain.Order{
		OperationID: "d-1", Operation: domain.OpSwap, Venue: "uniswap_v2", SourceToken: "USDC", TargetToken: "WETH", Amount: 4000,
	})
	require.NoError(t, err)
	assert.InDelta(t, -4000, h.ActualDeltas["wallet:BaseToken:USDC"], 1e-9)
	assert.InDelta(t, 1.99, h.ActualDeltas["wallet:BaseToken:WETH"], 1e-9)
	assert.InDelta(t, 1.99*0.995, h.ExecutionDetails["min_out"].(float64), 1e-12)

	// A limit price above the quote is refused before any transaction.
	h, err = b.Execute(context.Background(), domain.Order{
		OperationID: "d-2", Operation: domain.OpSwap, Venue: "uniswap_v2", SourceToken: "USDC", TargetToken: "WETH",
		Amount: 4000, Price: ptr(1900),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, h.Status)
	assert.Equal(t, "DEX_UNISWAP_V2_REJECTED", h.ErrorCode)
}

func TestTransferLiveWithdrawIsPending(t *testing.T) {
	client := &fakeExchange{venue: "binance"}
	cex := NewCEXLive(client, domain.DefaultRegistry(), nil, discardLogger())
	tb := NewTransferBackend("wallet", domain.DefaultRegistry(), transfer.NewPlanner(transfer.Config{}, domain.DefaultRegistry()), false,
		TransferOptions{WalletAddress: "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"}, discardLogger())
	tb.Link(map[string]Backend{cex.Key(): cex})

	h, err := tb.Execute(context.Background(), domain.Order{
		OperationID: "w-1", Operation: domain.OpTransfer, Venue: "binance", SourceVenue: "binance", TargetVenue: "wallet",
		TargetToken: "USDT", Amount: 1000, Metadata: map[string]any{"amount_unit": "token"}, Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, h.Status)
	assert.Equal(t, "wd-1", h.ExecutionDetails["withdraw_id"])
	require.Len(t, client.withdraws, 1)
	assert.Equal(t, "USDT", client.withdraws[0].Asset)
	assert.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", client.withdraws[0].Address)
}

func TestTransferLiveDepositToExchange(t *testing.T) {
	chain := &fakeChain{gas: 0.0005, balances: map[string]float64{"wallet:BaseToken:USDT": 2000}}
	tb := NewTransferBackend("wallet", domain.DefaultRegistry(), transfer.NewPlanner(transfer.Config{}, domain.DefaultRegistry()), false,
		TransferOptions{Chain: chain, DepositAddresses: map[string]string{"bybit": "0xdeposit"}}, discardLogger())

	o := domain.Order{
		OperationID: "w-2", Operation: domain.OpTransfer, Venue: "wallet", SourceVenue: "wallet", TargetVenue: "bybit",
		TargetToken: "USDT", Amount: 500, Metadata: map[string]any{"amount_unit": "token"},
	}
	h, err := tb.Execute(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, h.Status)
	assert.Equal(t, map[string]float64{"wallet:BaseToken:USDT": -500, "bybit:BaseToken:USDT": 500}, h.ActualDeltas)

	o.TargetVenue = "okx"
	h, err = tb.Execute(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, "TRANSFER_WALLET_NO_DEPOSIT_ADDRESS", h.ErrorCode)
}
