package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/marketdata"
)

const (
	defaultStreamURL = "wss://stream.binance.com:9443/stream"

	pongWait          = 60 * time.Second
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// quoteAssets are stripped from a stream symbol to find the priced token.
var quoteAssets = []string{"USDT", "USDC", "FDUSD"}

// TickerStream mirrors best bid/ask mids from the bookTicker stream into the
// price cache under "venue:SYMBOL".
type TickerStream struct {
	venue   string
	url     string
	symbols []string
	cache   domain.PriceCache
	logger  *slog.Logger
}

// NewTickerStream creates a stream for symbols such as BTCUSDT. An empty
// wsURL uses the public combined-stream endpoint.
func NewTickerStream(venue, wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *TickerStream {
	if wsURL == "" {
		wsURL = defaultStreamURL
	}
	return &TickerStream{
		venue:   venue,
		url:     wsURL,
		symbols: symbols,
		cache:   cache,
		logger:  logger.With(slog.String("component", "ticker_stream"), slog.String("venue", venue)),
	}
}

// URL returns the combined-stream URL for the configured symbols.
func (s *TickerStream) URL() string {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(sym) + "@bookTicker"
	}
	return s.url + "?streams=" + strings.Join(streams, "/")
}

// Run reads the stream until ctx is cancelled, reconnecting with exponential
// backoff.
func (s *TickerStream) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		return nil
	}
	delay := reconnectDelay
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("stream disconnected", slog.String("error", err.Error()), slog.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (s *TickerStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.URL(), nil)
	if err != nil {
		return fmt.Errorf("binance/stream: connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance/stream: read: %w", domain.ErrWSDisconnect)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := s.handle(ctx, msg); err != nil {
			s.logger.Debug("ticker dropped", slog.String("error", err.Error()))
		}
	}
}

type bookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// handle accepts both the combined envelope and a raw bookTicker payload.
func (s *TickerStream) handle(ctx context.Context, msg []byte) error {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	payload := msg
	if len(env.Data) > 0 {
		payload = env.Data
	}
	var t bookTicker
	if err := json.Unmarshal(payload, &t); err != nil {
		return err
	}
	if t.Symbol == "" {
		return fmt.Errorf("binance/stream: not a ticker")
	}
	bid, err := decimal.NewFromString(t.Bid)
	if err != nil {
		return err
	}
	ask, err := decimal.NewFromString(t.Ask)
	if err != nil {
		return err
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2)).InexactFloat64()
	return s.cache.SetPrice(ctx, marketdata.PriceID(s.venue, BaseAsset(t.Symbol)), mid, time.Now())
}

// BaseAsset strips a known quote suffix from an exchange symbol.
func BaseAsset(symbol string) string {
	symbol = strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if base, ok := strings.CutSuffix(symbol, q); ok && base != "" {
			return base
		}
	}
	return symbol
}
