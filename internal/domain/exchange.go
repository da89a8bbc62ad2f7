package domain

import (
	"context"
	"time"
)

// MarketType separates spot and perpetual order books on one exchange.
type MarketType string

const (
	MarketSpot MarketType = "spot"
	MarketPerp MarketType = "perp"
)

// ExchangeOrder is a market or limit order in exchange terms.
type ExchangeOrder struct {
	ClientOrderID string
	Market        MarketType
	Base          string
	Quote         string
	Side          OrderSide
	Quantity      float64  // base units
	Price         *float64 // nil for market orders
	ReduceOnly    bool
}

// Symbol returns the concatenated exchange symbol, e.g. BTCUSDT.
func (o ExchangeOrder) Symbol() string {
	return o.Base + o.Quote
}

// ExchangeFill is the exchange's report of an executed order.
type ExchangeFill struct {
	VenueOrderID string
	Status       string
	FilledQty    float64
	AvgPrice     float64
	Fee          float64
	FeeAsset     string
	TransactTime time.Time
}

// WithdrawRequest moves funds off an exchange.
type WithdrawRequest struct {
	ClientID string
	Asset    string
	Address  string
	Network  string
	Amount   float64
}

// ExchangeClient is the live REST surface a centralized exchange backend
// needs. Every call must honour ctx and carry its own timeout.
type ExchangeClient interface {
	Venue() string
	PlaceOrder(ctx context.Context, o ExchangeOrder) (ExchangeFill, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (string, error)
	CancelAll(ctx context.Context, symbols []string) error
}

// TxReceipt summarises a mined chain transaction.
type TxReceipt struct {
	Hash        string
	BlockNumber uint64
	GasUsed     uint64
	FeeNative   float64 // gas used x effective price, in the chain's native token
}

// SnapshotSource builds the venue-state snapshot the planner reasons about.
type SnapshotSource interface {
	Snapshot(ctx context.Context, ts time.Time) (MarketSnapshot, error)
}
