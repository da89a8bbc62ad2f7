package binance

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/crypto"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient("binance", config.CEXConfig{
		APIKey:         "key",
		APISecret:      "secret",
		BaseURL:        srv.URL,
		FuturesBaseURL: srv.URL,
	})
	require.NoError(t, err)
	c.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient("binance", config.CEXConfig{APIKey: "k"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestPlaceSpotOrderSignsAndParsesFills(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))

		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&signature=")
		require.Positive(t, idx)
		auth := crypto.HMACAuth{Key: "key", Secret: "secret"}
		assert.Equal(t, auth.SignHex(raw[:idx]), raw[idx+len("&signature="):])

		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.Equal(t, "0.5", q.Get("quantity"))
		assert.Equal(t, "FULL", q.Get("newOrderRespType"))
		assert.Equal(t, "op-1", q.Get("newClientOrderId"))

		io.WriteString(w, `{"orderId":42,"status":"FILLED","executedQty":"0.5","transactTime":1700000000123,
			"fills":[{"price":"60000","qty":"0.2","commission":"0.0002","commissionAsset":"BTC"},
			         {"price":"60100","qty":"0.3","commission":"0.0003","commissionAsset":"BTC"}]}`)
	})

	fill, err := c.PlaceOrder(context.Background(), domain.ExchangeOrder{
		ClientOrderID: "op-1",
		Market:        domain.MarketSpot,
		Base:          "BTC",
		Quote:         "USDT",
		Side:          domain.OrderSideBuy,
		Quantity:      0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", fill.VenueOrderID)
	assert.Equal(t, "FILLED", fill.Status)
	assert.InDelta(t, 0.5, fill.FilledQty, 1e-12)
	assert.InDelta(t, 60060, fill.AvgPrice, 1e-9)
	assert.InDelta(t, 0.0005, fill.Fee, 1e-12)
	assert.Equal(t, "BTC", fill.FeeAsset)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), fill.TransactTime)
}

func TestPlacePerpOrderReduceOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("reduceOnly"))
		assert.Equal(t, "SELL", q.Get("side"))
		assert.Equal(t, "RESULT", q.Get("newOrderRespType"))
		io.WriteString(w, `{"orderId":7,"status":"FILLED","executedQty":"1.25","avgPrice":"3000.5","updateTime":1700000000000}`)
	})

	fill, err := c.PlaceOrder(context.Background(), domain.ExchangeOrder{
		ClientOrderID: "op-2",
		Market:        domain.MarketPerp,
		Base:          "ETH",
		Quote:         "USDT",
		Side:          domain.OrderSideSell,
		Quantity:      1.25,
		ReduceOnly:    true,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.25, fill.FilledQty, 1e-12)
	assert.InDelta(t, 3000.5, fill.AvgPrice, 1e-9)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"rate limited", http.StatusTooManyRequests, `{"code":-1003,"msg":"too many"}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, domain.ErrRateLimited)
		}},
		{"unauthorized", http.StatusUnauthorized, `{"code":-2015,"msg":"bad key"}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		}},
		{"gateway timeout", http.StatusGatewayTimeout, ``, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, domain.ErrTimeout)
		}},
		{"rejected", http.StatusBadRequest, `{"code":-2010,"msg":"insufficient balance"}`, func(t *testing.T, err error) {
			var ve *domain.VenueError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "-2010", ve.Code)
			assert.ErrorIs(t, err, domain.ErrVenueRejected)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := c.PlaceOrder(context.Background(), domain.ExchangeOrder{Base: "BTC", Quote: "USDT", Side: domain.OrderSideBuy, Quantity: 1})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestWithdrawUsesConfiguredNetwork(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sapi/v1/capital/withdraw/apply", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "USDT", q.Get("coin"))
		assert.Equal(t, "ETH", q.Get("network"))
		assert.Equal(t, "1500", q.Get("amount"))
		io.WriteString(w, `{"id":"wd-9"}`)
	})
	c.network = "ETH"

	id, err := c.Withdraw(context.Background(), domain.WithdrawRequest{ClientID: "op-3", Asset: "USDT", Address: "0xabc", Amount: 1500})
	require.NoError(t, err)
	assert.Equal(t, "wd-9", id)
}

func TestCancelAllIgnoresNoOpenOrders(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		sym := r.URL.Query().Get("symbol")
		mu.Lock()
		seen = append(seen, sym)
		mu.Unlock()
		if sym == "ETHUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"code":-2011,"msg":"Unknown order sent."}`)
			return
		}
		io.WriteString(w, `[]`)
	})

	require.NoError(t, c.CancelAll(context.Background(), []string{"BTCUSDT", "ETHUSDT"}))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, seen)
}

func TestFormatQuantity(t *testing.T) {
	assert.Equal(t, "0.00000001", FormatQuantity(1e-8))
	assert.Equal(t, "0.12345678", FormatQuantity(0.123456789))
	assert.Equal(t, "2", FormatQuantity(2))
}

type memCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (m *memCache) SetPrice(_ context.Context, id string, px float64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = map[string]float64{}
	}
	m.prices[id] = px
	return nil
}

func (m *memCache) GetQuotes(_ context.Context, ids []string) (map[string]domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]domain.Quote{}
	for _, id := range ids {
		if px, ok := m.prices[id]; ok {
			out[id] = domain.Quote{Value: px, At: time.Now()}
		}
	}
	return out, nil
}

func (m *memCache) GetPrice(ctx context.Context, id string) (float64, time.Time, error) {
	q, _ := m.GetQuotes(ctx, []string{id})
	got, ok := q[id]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return got.Value, got.At, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTickerStreamHandle(t *testing.T) {
	cache := &memCache{}
	s := NewTickerStream("binance", "", []string{"BTCUSDT", "ETHUSDT"}, cache, discard())
	assert.Equal(t, defaultStreamURL+"?streams=btcusdt@bookTicker/ethusdt@bookTicker", s.URL())

	require.NoError(t, s.handle(context.Background(), []byte(`{"stream":"btcusdt@bookTicker","data":{"s":"BTCUSDT","b":"60000","a":"60002"}}`)))
	require.NoError(t, s.handle(context.Background(), []byte(`{"s":"ETHUSDT","b":"3000","a":"3001"}`)))
	assert.Error(t, s.handle(context.Background(), []byte(`{"result":null,"id":1}`)))

	px, _, err := cache.GetPrice(context.Background(), "binance:BTC")
	require.NoError(t, err)
	assert.InDelta(t, 60001, px, 1e-9)
	px, _, err = cache.GetPrice(context.Background(), "binance:ETH")
	require.NoError(t, err)
	assert.InDelta(t, 3000.5, px, 1e-9)
}

func TestTickerStreamRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "btcusdt@bookTicker", r.URL.Query().Get("streams"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@bookTicker","data":{"s":"BTCUSDT","b":"100","a":"102"}}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	cache := &memCache{}
	s := NewTickerStream("binance", "ws"+strings.TrimPrefix(srv.URL, "http"), []string{"BTCUSDT"}, cache, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		px, _, err := cache.GetPrice(context.Background(), "binance:BTC")
		return err == nil && px == 101
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBaseAsset(t *testing.T) {
	assert.Equal(t, "BTC", BaseAsset("BTCUSDT"))
	assert.Equal(t, "ETH", BaseAsset("ethusdc"))
	assert.Equal(t, "USDT", BaseAsset("USDT"))
}
