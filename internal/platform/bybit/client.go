// Package bybit is the signed v5 REST client for Bybit spot and linear
// perpetuals.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/crypto"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

const (
	defaultBaseURL    = "https://api.bybit.com"
	defaultRecvWindow = 5000
	defaultTimeout    = 10 * time.Second
	quantityPlaces    = 8

	// fillPolls bounds how often a market order is re-read before its last
	// known state is reported.
	fillPolls    = 5
	fillPollWait = 200 * time.Millisecond
)

// Return codes with routing meaning.
const (
	codeOK          = 0
	codeRateLimited = 10006
	codeAuth        = 10003
	codeTimestamp   = 10002
)

// Client talks to one Bybit unified account.
type Client struct {
	venue      string
	auth       *crypto.HMACAuth
	baseURL    string
	recvWindow int
	network    string
	httpClient *http.Client
	pollWait   time.Duration
}

// NewClient creates a Client from venue configuration.
func NewClient(venue string, c config.CEXConfig) (*Client, error) {
	if !c.HasCredentials() {
		return nil, fmt.Errorf("bybit: %s: api key and secret required: %w", venue, domain.ErrUnauthorized)
	}
	cl := &Client{
		venue:      venue,
		auth:       &crypto.HMACAuth{Key: c.APIKey, Secret: c.APISecret},
		baseURL:    strings.TrimRight(c.BaseURL, "/"),
		recvWindow: c.RecvWindowMs,
		network:    c.WithdrawNetwork,
		httpClient: &http.Client{Timeout: c.Timeout.Duration},
		pollWait:   fillPollWait,
	}
	if cl.baseURL == "" {
		cl.baseURL = defaultBaseURL
	}
	if cl.recvWindow <= 0 {
		cl.recvWindow = defaultRecvWindow
	}
	if cl.httpClient.Timeout <= 0 {
		cl.httpClient.Timeout = defaultTimeout
	}
	return cl, nil
}

func (c *Client) Venue() string { return c.venue }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type createRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	MarketUnit  string `json:"marketUnit,omitempty"`
}

type orderState struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecFee  string `json:"cumExecFee"`
	UpdatedTime string `json:"updatedTime"`
}

func category(m domain.MarketType) string {
	if m == domain.MarketPerp {
		return "linear"
	}
	return "spot"
}

// PlaceOrder creates the order, then reads it back until it reaches a final
// state. v5 order creation only acknowledges.
func (c *Client) PlaceOrder(ctx context.Context, o domain.ExchangeOrder) (domain.ExchangeFill, error) {
	side := "Buy"
	if o.Side == domain.OrderSideSell {
		side = "Sell"
	}
	req := createRequest{
		Category:    category(o.Market),
		Symbol:      o.Symbol(),
		Side:        side,
		OrderType:   "Market",
		Qty:         FormatQuantity(o.Quantity),
		OrderLinkID: o.ClientOrderID,
		ReduceOnly:  o.ReduceOnly,
	}
	if o.Market == domain.MarketSpot {
		req.MarketUnit = "baseCoin"
	}
	if o.Price != nil {
		req.OrderType = "Limit"
		req.Price = decimal.NewFromFloat(*o.Price).String()
		req.TimeInForce = "IOC"
		req.MarketUnit = ""
	}

	var ack struct {
		OrderID string `json:"orderId"`
	}
	if err := c.post(ctx, "/v5/order/create", req, &ack); err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("bybit: place order %s: %w", o.ClientOrderID, err)
	}

	var st orderState
	for i := 0; i < fillPolls; i++ {
		got, err := c.orderState(ctx, req.Category, o.ClientOrderID)
		if err != nil {
			return domain.ExchangeFill{}, fmt.Errorf("bybit: read order %s: %w", o.ClientOrderID, err)
		}
		st = got
		if final(st.OrderStatus) {
			break
		}
		select {
		case <-ctx.Done():
			return domain.ExchangeFill{}, ctx.Err()
		case <-time.After(c.pollWait):
		}
	}
	if st.OrderID == "" {
		st.OrderID = ack.OrderID
	}
	return st.fill()
}

func final(status string) bool {
	switch status {
	case "Filled", "Cancelled", "Rejected", "PartiallyFilledCanceled", "Deactivated":
		return true
	}
	return false
}

func (c *Client) orderState(ctx context.Context, cat, linkID string) (orderState, error) {
	params := url.Values{}
	params.Set("category", cat)
	params.Set("orderLinkId", linkID)
	var res struct {
		List []orderState `json:"list"`
	}
	if err := c.get(ctx, "/v5/order/realtime", params, &res); err != nil {
		return orderState{}, err
	}
	if len(res.List) == 0 {
		return orderState{}, nil
	}
	return res.List[0], nil
}

func (s orderState) fill() (domain.ExchangeFill, error) {
	qty, err := parseDecimal(s.CumExecQty)
	if err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("bybit: cumExecQty: %w", err)
	}
	px, err := parseDecimal(s.AvgPrice)
	if err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("bybit: avgPrice: %w", err)
	}
	fee, err := parseDecimal(s.CumExecFee)
	if err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("bybit: cumExecFee: %w", err)
	}
	f := domain.ExchangeFill{
		VenueOrderID: s.OrderID,
		Status:       s.OrderStatus,
		FilledQty:    qty.InexactFloat64(),
		AvgPrice:     px.InexactFloat64(),
		Fee:          fee.InexactFloat64(),
	}
	if ms, err := strconv.ParseInt(s.UpdatedTime, 10, 64); err == nil && ms > 0 {
		f.TransactTime = time.UnixMilli(ms).UTC()
	}
	return f, nil
}

// Withdraw requests an on-chain withdrawal and returns Bybit's withdrawal id.
func (c *Client) Withdraw(ctx context.Context, req domain.WithdrawRequest) (string, error) {
	network := req.Network
	if network == "" {
		network = c.network
	}
	body := map[string]any{
		"coin":      req.Asset,
		"chain":     network,
		"address":   req.Address,
		"amount":    FormatQuantity(req.Amount),
		"timestamp": time.Now().UnixMilli(),
		"requestId": req.ClientID,
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v5/asset/withdraw/create", body, &res); err != nil {
		return "", fmt.Errorf("bybit: withdraw %s: %w", req.ClientID, err)
	}
	return res.ID, nil
}

// CancelAll cancels open orders for each symbol across spot and linear.
func (c *Client) CancelAll(ctx context.Context, symbols []string) error {
	var errs []error
	for _, sym := range symbols {
		for _, cat := range []string{"spot", "linear"} {
			body := map[string]string{"category": cat, "symbol": sym}
			if err := c.post(ctx, "/v5/order/cancel-all", body, nil); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", cat, sym, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("bybit: cancel all: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	query := params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, query, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, string(raw), out)
}

// do signs payload (query string or JSON body), sends req and decodes the
// result field of the v5 envelope into out.
func (c *Client) do(req *http.Request, payload string, out any) error {
	for k, v := range c.auth.BybitHeaders(payload, c.recvWindow) {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusForbidden:
		return fmt.Errorf("%s: HTTP %d: %w", c.venue, resp.StatusCode, domain.ErrRateLimited)
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", c.venue, domain.ErrUnauthorized)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("%s: gateway timeout: %w", c.venue, domain.ErrTimeout)
	default:
		return fmt.Errorf("%s: HTTP %d", c.venue, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	switch env.RetCode {
	case codeOK:
	case codeRateLimited:
		return fmt.Errorf("%s: %s: %w", c.venue, env.RetMsg, domain.ErrRateLimited)
	case codeAuth, codeTimestamp:
		return fmt.Errorf("%s: %s: %w", c.venue, env.RetMsg, domain.ErrUnauthorized)
	default:
		return &domain.VenueError{Venue: c.venue, Code: strconv.Itoa(env.RetCode), Message: env.RetMsg}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// FormatQuantity renders q without exponent, truncated to eight places.
func FormatQuantity(q float64) string {
	return decimal.NewFromFloat(q).Truncate(quantityPlaces).String()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

var _ domain.ExchangeClient = (*Client)(nil)
