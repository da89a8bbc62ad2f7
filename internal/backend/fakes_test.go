package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

var testTick = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMarket serves fixed prices and indexes.
type fakeMarket struct {
	prices  map[string]float64 // token -> USD
	indexes map[string]float64 // token:kind -> index
	gas     float64
}

func (m *fakeMarket) GetPrice(_ context.Context, key domain.InstrumentKey, _ time.Time) (float64, error) {
	p, ok := m.prices[key.Symbol]
	if !ok {
		return 0, fmt.Errorf("price %s: %w", key, domain.ErrMissingMarketData)
	}
	return p, nil
}

func (m *fakeMarket) GetIndex(_ context.Context, token string, kind domain.IndexKind, _ time.Time) (float64, error) {
	if idx, ok := m.indexes[token+":"+string(kind)]; ok {
		return idx, nil
	}
	return 1, nil
}

func (m *fakeMarket) GetGasCost(context.Context, domain.Operation, time.Time) (float64, error) {
	return m.gas, nil
}

// fakeBook is a PositionSink and SnapshotSource returning a fixed snapshot.
type fakeBook struct {
	snap    domain.MarketSnapshot
	applied []domain.Handshake
}

func (b *fakeBook) Apply(_ context.Context, h domain.Handshake) error {
	b.applied = append(b.applied, h)
	return nil
}

func (b *fakeBook) Snapshot(context.Context, time.Time) (domain.MarketSnapshot, error) {
	return b.snap, nil
}

// recordingEvents collects execution events.
type recordingEvents struct {
	mu     sync.Mutex
	events []domain.ExecutionEvent
}

func (r *recordingEvents) LogEvent(_ context.Context, ev domain.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// recordingNotifier collects alerts.
type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.events = append(n.events, event)
	return nil
}

// stubBackend delegates Execute to fn.
type stubBackend struct {
	family Family
	venue  string
	ops    []domain.Operation
	fn     func(o domain.Order) (domain.Handshake, error)
	calls  []domain.Order
}

func (s *stubBackend) Key() string                     { return Key(s.family, s.venue) }
func (s *stubBackend) Family() Family                  { return s.family }
func (s *stubBackend) Venue() string                   { return s.venue }
func (s *stubBackend) Simulated() bool                 { return true }
func (s *stubBackend) CancelAll(context.Context) error { return nil }
func (s *stubBackend) SetDependencies(Dependencies)    {}

func (s *stubBackend) Supports(op domain.Operation) bool {
	for _, o := range s.ops {
		if o == op {
			return true
		}
	}
	return false
}

func (s *stubBackend) Execute(_ context.Context, o domain.Order) (domain.Handshake, error) {
	s.calls = append(s.calls, o)
	return s.fn(o)
}

// fakeExchange is a scripted ExchangeClient.
type fakeExchange struct {
	venue     string
	fill      domain.ExchangeFill
	err       error
	orders    []domain.ExchangeOrder
	withdraws []domain.WithdrawRequest
	cancelled []string
}

func (f *fakeExchange) Venue() string { return f.venue }

func (f *fakeExchange) PlaceOrder(_ context.Context, o domain.ExchangeOrder) (domain.ExchangeFill, error) {
	f.orders = append(f.orders, o)
	return f.fill, f.err
}

func (f *fakeExchange) Withdraw(_ context.Context, req domain.WithdrawRequest) (string, error) {
	f.withdraws = append(f.withdraws, req)
	return "wd-1", f.err
}

func (f *fakeExchange) CancelAll(_ context.Context, symbols []string) error {
	f.cancelled = append(f.cancelled, symbols...)
	return nil
}

// fakeChain keeps balances in memory and mutates them on writes.
type fakeChain struct {
	balances map[string]float64 // instrument key -> balance
	gas      float64
	quote    float64
	err      error
}

func (c *fakeChain) Address() string { return "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266" }

func (c *fakeChain) Balance(_ context.Context, token string) (float64, error) {
	return c.balances["wallet:BaseToken:"+token], nil
}

func (c *fakeChain) PositionBalance(_ context.Context, venue string, pt domain.PositionType, symbol string) (float64, error) {
	return c.balances[domain.NewKey(venue, pt, symbol).String()], nil
}

func (c *fakeChain) receipt() domain.TxReceipt {
	c.balances["wallet:BaseToken:ETH"] -= c.gas
	return domain.TxReceipt{Hash: "0xabc", BlockNumber: 100, GasUsed: 21000, FeeNative: c.gas}
}

func (c *fakeChain) Lend(_ context.Context, venue string, op domain.Operation, token string, amount float64) (domain.TxReceipt, error) {
	if c.err != nil {
		return domain.TxReceipt{}, c.err
	}
	wallet := "wallet:BaseToken:" + token
	a := venue + ":aToken:a" + token
	switch op {
	case domain.OpSupply:
		c.balances[wallet] -= amount
		c.balances[a] += amount
	case domain.OpWithdraw:
		c.balances[wallet] += amount
		c.balances[a] -= amount
	}
	return c.receipt(), nil
}

func (c *fakeChain) Stake(_ context.Context, venue string, amountETH float64) (domain.TxReceipt, error) {
	c.balances["wallet:BaseToken:ETH"] -= amountETH
	c.balances[venue+":LST:stETH"] += amountETH
	return c.receipt(), nil
}

func (c *fakeChain) RequestUnstake(context.Context, string, float64) (domain.TxReceipt, string, error) {
	return c.receipt(), "req-7", nil
}

func (c *fakeChain) Quote(context.Context, string, string, string, float64) (float64, error) {
	return c.quote, nil
}

func (c *fakeChain) Swap(_ context.Context, _ string, src, dst string, amountIn, minOut float64) (domain.TxReceipt, error) {
	c.balances["wallet:BaseToken:"+src] -= amountIn
	c.balances["wallet:BaseToken:"+dst] += c.quote
	return c.receipt(), nil
}

func (c *fakeChain) Transfer(_ context.Context, token, _ string, amount float64) (domain.TxReceipt, error) {
	c.balances["wallet:BaseToken:"+token] -= amount
	return c.receipt(), nil
}
