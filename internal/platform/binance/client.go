// Package binance is the signed REST and market stream client for Binance
// spot and USD-M futures.
package binance

import (
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
	defaultBaseURL    = "https://api.binance.com"
	defaultFuturesURL = "https://fapi.binance.com"
	defaultRecvWindow = 5000
	defaultTimeout    = 10 * time.Second

	// quantityPlaces is the precision quantities are truncated to before
	// submission. Exchange lot filters reject anything finer.
	quantityPlaces = 8
)

// Client talks to one Binance account.
type Client struct {
	venue      string
	auth       *crypto.HMACAuth
	baseURL    string
	futuresURL string
	recvWindow int
	network    string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a Client from venue configuration.
func NewClient(venue string, c config.CEXConfig) (*Client, error) {
	if !c.HasCredentials() {
		return nil, fmt.Errorf("binance: %s: api key and secret required: %w", venue, domain.ErrUnauthorized)
	}
	cl := &Client{
		venue:      venue,
		auth:       &crypto.HMACAuth{Key: c.APIKey, Secret: c.APISecret},
		baseURL:    strings.TrimRight(c.BaseURL, "/"),
		futuresURL: strings.TrimRight(c.FuturesBaseURL, "/"),
		recvWindow: c.RecvWindowMs,
		network:    c.WithdrawNetwork,
		httpClient: &http.Client{Timeout: c.Timeout.Duration},
		now:        time.Now,
	}
	if cl.baseURL == "" {
		cl.baseURL = defaultBaseURL
	}
	if cl.futuresURL == "" {
		cl.futuresURL = defaultFuturesURL
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

// orderResponse covers both the spot FULL response and the futures response.
type orderResponse struct {
	OrderID      int64  `json:"orderId"`
	Status       string `json:"status"`
	ExecutedQty  string `json:"executedQty"`
	QuoteQty     string `json:"cummulativeQuoteQty"`
	AvgPrice     string `json:"avgPrice"`
	TransactTime int64  `json:"transactTime"`
	UpdateTime   int64  `json:"updateTime"`
	Fills        []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

// PlaceOrder submits o and reports the fill. Spot market orders use the FULL
// response so commission is known without a second call.
func (c *Client) PlaceOrder(ctx context.Context, o domain.ExchangeOrder) (domain.ExchangeFill, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol())
	params.Set("side", strings.ToUpper(string(o.Side)))
	params.Set("quantity", FormatQuantity(o.Quantity))
	params.Set("newClientOrderId", o.ClientOrderID)
	if o.Price != nil {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "IOC")
		params.Set("price", decimal.NewFromFloat(*o.Price).String())
	} else {
		params.Set("type", "MARKET")
	}

	base, path := c.baseURL, "/api/v3/order"
	if o.Market == domain.MarketPerp {
		base, path = c.futuresURL, "/fapi/v1/order"
		params.Set("newOrderRespType", "RESULT")
		if o.ReduceOnly {
			params.Set("reduceOnly", "true")
		}
	} else {
		params.Set("newOrderRespType", "FULL")
	}

	body, err := c.doSigned(ctx, http.MethodPost, base, path, params)
	if err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("binance: place order %s: %w", o.ClientOrderID, err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("binance: decode order response: %w", err)
	}
	return resp.fill()
}

func (r orderResponse) fill() (domain.ExchangeFill, error) {
	qty, err := parseDecimal(r.ExecutedQty)
	if err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("binance: executedQty: %w", err)
	}
	f := domain.ExchangeFill{
		VenueOrderID: strconv.FormatInt(r.OrderID, 10),
		Status:       r.Status,
		FilledQty:    qty.InexactFloat64(),
	}
	ts := r.TransactTime
	if ts == 0 {
		ts = r.UpdateTime
	}
	if ts > 0 {
		f.TransactTime = time.UnixMilli(ts).UTC()
	}

	switch {
	case len(r.Fills) > 0:
		notional, fee := decimal.Zero, decimal.Zero
		for _, fl := range r.Fills {
			px, err := parseDecimal(fl.Price)
			if err != nil {
				return domain.ExchangeFill{}, fmt.Errorf("binance: fill price: %w", err)
			}
			q, err := parseDecimal(fl.Qty)
			if err != nil {
				return domain.ExchangeFill{}, fmt.Errorf("binance: fill qty: %w", err)
			}
			cm, err := parseDecimal(fl.Commission)
			if err != nil {
				return domain.ExchangeFill{}, fmt.Errorf("binance: fill commission: %w", err)
			}
			notional = notional.Add(px.Mul(q))
			fee = fee.Add(cm)
			f.FeeAsset = fl.CommissionAsset
		}
		if qty.IsPositive() {
			f.AvgPrice = notional.Div(qty).InexactFloat64()
		}
		f.Fee = fee.InexactFloat64()
	case r.AvgPrice != "":
		px, err := parseDecimal(r.AvgPrice)
		if err != nil {
			return domain.ExchangeFill{}, fmt.Errorf("binance: avgPrice: %w", err)
		}
		f.AvgPrice = px.InexactFloat64()
	case r.QuoteQty != "" && qty.IsPositive():
		quote, err := parseDecimal(r.QuoteQty)
		if err != nil {
			return domain.ExchangeFill{}, fmt.Errorf("binance: cummulativeQuoteQty: %w", err)
		}
		f.AvgPrice = quote.Div(qty).InexactFloat64()
	}
	return f, nil
}

// Withdraw requests an on-chain withdrawal and returns Binance's withdrawal id.
func (c *Client) Withdraw(ctx context.Context, req domain.WithdrawRequest) (string, error) {
	params := url.Values{}
	params.Set("coin", req.Asset)
	params.Set("address", req.Address)
	params.Set("amount", FormatQuantity(req.Amount))
	params.Set("withdrawOrderId", req.ClientID)
	network := req.Network
	if network == "" {
		network = c.network
	}
	if network != "" {
		params.Set("network", network)
	}
	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL, "/sapi/v1/capital/withdraw/apply", params)
	if err != nil {
		return "", fmt.Errorf("binance: withdraw %s: %w", req.ClientID, err)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("binance: decode withdraw response: %w", err)
	}
	return resp.ID, nil
}

// CancelAll cancels open spot orders on each symbol. A symbol with nothing
// open is not an error.
func (c *Client) CancelAll(ctx context.Context, symbols []string) error {
	var errs []error
	for _, sym := range symbols {
		params := url.Values{}
		params.Set("symbol", sym)
		_, err := c.doSigned(ctx, http.MethodDelete, c.baseURL, "/api/v3/openOrders", params)
		var apiErr *domain.VenueError
		if errors.As(err, &apiErr) && apiErr.Code == codeNoOpenOrders {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("binance: cancel all: %w", errors.Join(errs...))
	}
	return nil
}

// codeNoOpenOrders is returned when a cancel-all finds nothing to cancel.
const codeNoOpenOrders = "-2011"

// doSigned appends timestamp, recvWindow and signature to params and sends
// them as the query string.
func (c *Client) doSigned(ctx context.Context, method, base, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	query := params.Encode()
	query += "&signature=" + c.auth.SignHex(query)

	req, err := http.NewRequestWithContext(ctx, method, base+path+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.auth.Key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := c.checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus maps Binance's error envelope onto domain errors.
func (c *Client) checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch status {
	case http.StatusTooManyRequests, http.StatusTeapot:
		return fmt.Errorf("%s: %s: %w", c.venue, apiErr.Msg, domain.ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %s: %w", c.venue, apiErr.Msg, domain.ErrUnauthorized)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("%s: gateway timeout: %w", c.venue, domain.ErrTimeout)
	}
	if apiErr.Code != 0 {
		return &domain.VenueError{Venue: c.venue, Code: strconv.Itoa(apiErr.Code), Message: apiErr.Msg}
	}
	return fmt.Errorf("%s: HTTP %d", c.venue, status)
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
