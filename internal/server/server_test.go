package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/eventlog"
	"github.com/alanyoungcy/venuerouter/internal/server/handler"
	"github.com/alanyoungcy/venuerouter/internal/transfer"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRouter struct {
	health    domain.RouterHealth
	history   []domain.RoutingRecord
	lastLimit int
	cancelled []string
}

func (f *fakeRouter) Health() domain.RouterHealth { return f.health }

func (f *fakeRouter) History(limit int) []domain.RoutingRecord {
	f.lastLimit = limit
	return f.history
}

func (f *fakeRouter) CancelAll(_ context.Context, venue string) []string {
	f.cancelled = append(f.cancelled, venue)
	if venue == "binance" {
		return []string{"cex_binance"}
	}
	return nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	orders []domain.Order
	atomic bool
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, orders []domain.Order, atomic bool) ([]domain.Handshake, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.orders, f.atomic = orders, atomic
	out := make([]domain.Handshake, len(orders))
	for i, o := range orders {
		out[i] = domain.Handshake{OperationID: o.OperationID, Status: domain.StatusConfirmed}
	}
	return out, nil
}

type fakeStore struct {
	byID   map[string]domain.Handshake
	counts map[domain.HandshakeStatus]int64
	since  time.Time
}

func (f *fakeStore) Save(context.Context, domain.Handshake, domain.Order) error { return nil }

func (f *fakeStore) GetByOperationID(_ context.Context, id string) (domain.Handshake, error) {
	h, ok := f.byID[id]
	if !ok {
		return domain.Handshake{}, domain.ErrNotFound
	}
	return h, nil
}

func (f *fakeStore) ListRecent(context.Context, domain.ListOpts) ([]domain.Handshake, error) {
	return nil, nil
}

func (f *fakeStore) CountByStatus(_ context.Context, since time.Time) (map[domain.HandshakeStatus]int64, error) {
	f.since = since
	return f.counts, nil
}

type fakePositions struct{ err error }

func (f fakePositions) Balances() map[string]float64 {
	return map[string]float64{"binance:BaseToken:USDT": 1000}
}

func (f fakePositions) Snapshot(_ context.Context, ts time.Time) (domain.MarketSnapshot, error) {
	if f.err != nil {
		return domain.MarketSnapshot{}, f.err
	}
	return domain.MarketSnapshot{Timestamp: ts, Idle: map[string]float64{"binance": 1000}}, nil
}

type fakePlanner struct {
	plan transfer.Plan
	err  error
}

func (f fakePlanner) Build(string, string, float64, domain.MarketSnapshot, string) (transfer.Plan, error) {
	return f.plan, f.err
}

type fakeTail struct {
	after string
	limit int
	err   error
}

func (f *fakeTail) Tail(_ context.Context, after string, limit int) ([]eventlog.Entry, string, error) {
	f.after, f.limit = after, limit
	if f.err != nil {
		return nil, after, f.err
	}
	return []eventlog.Entry{{ID: "7-0", Event: domain.ExecutionEvent{Type: "routed", OperationID: "a"}}}, "7-0", nil
}

type fixture struct {
	router    *fakeRouter
	submitter *fakeSubmitter
	store     *fakeStore
	planner   *fakePlanner
	tail      *fakeTail
	registry  *prometheus.Registry
	handler   http.Handler
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	f := &fixture{
		router: &fakeRouter{
			health: domain.RouterHealth{Status: "healthy", Routed: 3, Succeeded: 2, Failed: 1, SuccessRate: 2.0 / 3, AvailableBackends: []string{"cex_binance"}},
			history: []domain.RoutingRecord{
				{OperationID: "a", Venue: "binance", Backend: "cex_binance", Result: domain.StatusConfirmed},
			},
		},
		submitter: &fakeSubmitter{},
		store: &fakeStore{
			byID:   map[string]domain.Handshake{"a": {OperationID: "a", Status: domain.StatusConfirmed}},
			counts: map[domain.HandshakeStatus]int64{domain.StatusConfirmed: 2},
		},
		planner:  &fakePlanner{},
		tail:     &fakeTail{},
		registry: prometheus.NewRegistry(),
	}
	log := discard()
	srv := NewServer(Config{Port: 0, APIKey: apiKey}, Handlers{
		Health:    handler.NewHealthHandler(f.router),
		Status:    handler.NewStatusHandler("simulate", time.Now(), func() int { return 1 }),
		Routing:   handler.NewRoutingHandler(f.router, f.store, log),
		Orders:    handler.NewOrderHandler(f.submitter, log),
		Venues:    handler.NewVenueHandler(f.router, log),
		Positions: handler.NewPositionHandler(fakePositions{}, log),
		Transfers: handler.NewTransferHandler(f.planner, fakePositions{}, f.submitter, log),
		Events:    handler.NewEventHandler(f.tail, log),
	}, Options{Metrics: f.registry}, log)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthReportsRouterStatus(t *testing.T) {
	f := newFixture(t, "secret")

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	router := body["router"].(map[string]any)
	assert.EqualValues(t, 3, router["routed"])

	f.router.health = domain.RouterHealth{Status: "unavailable"}
	rec = f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthGuardsAPIButNotHealthOrMetrics(t *testing.T) {
	f := newFixture(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/routing/history", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/routing/history", nil, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/routing/history", nil, "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestMetricsExposesRegistry(t *testing.T) {
	f := newFixture(t, "")
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "venuerouter_test_total", Help: "test"})
	f.registry.MustRegister(c)
	c.Inc()

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "venuerouter_test_total 1")
}

func TestRoutingStatsAndHistory(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/api/routing/stats?window=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["by_status"].(map[string]any)["CONFIRMED"])
	assert.WithinDuration(t, time.Now().Add(-time.Hour), f.store.since, 5*time.Second)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/routing/stats?window=nope", nil).Code)

	rec = f.do(t, http.MethodGet, "/api/routing/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.router.lastLimit)
	assert.Len(t, decode(t, rec)["records"], 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/routing/history?limit=0", nil).Code)
}

func TestGetHandshake(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/api/handshakes/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONFIRMED", decode(t, rec)["status"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/handshakes/missing", nil).Code)
}

func TestHandshakesWithoutStore(t *testing.T) {
	r := &fakeRouter{}
	srv := NewServer(Config{}, Handlers{Routing: handler.NewRoutingHandler(r, nil, discard())}, Options{}, discard())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/handshakes/a", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/routing/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "by_status")
}

func TestSubmitOrders(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/orders", map[string]any{
		"atomic": true,
		"orders": []map[string]any{
			{"operation_id": "o1", "operation": "spot_trade", "venue": "binance", "amount": 100},
			{"operation_id": "o2", "operation": "spot_trade", "venue": "binance", "amount": 50},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, f.submitter.atomic)
	require.Len(t, f.submitter.orders, 2)
	assert.Equal(t, "o2", f.submitter.orders[1].OperationID)
	assert.Len(t, decode(t, rec)["handshakes"], 2)
}

func TestSubmitOrdersErrors(t *testing.T) {
	tests := []struct {
		name string
		body any
		err  error
		want int
	}{
		{"bad json", "{", nil, http.StatusBadRequest},
		{"no orders", map[string]any{"orders": []any{}}, nil, http.StatusBadRequest},
		{"missing id", map[string]any{"orders": []map[string]any{{"venue": "binance"}}}, nil, http.StatusBadRequest},
		{"duplicate", map[string]any{"orders": []map[string]any{{"operation_id": "x"}}}, fmt.Errorf("wrap: %w", domain.ErrAlreadyExists), http.StatusConflict},
		{"invalid", map[string]any{"orders": []map[string]any{{"operation_id": "x"}}}, domain.ErrInvalidOrder, http.StatusBadRequest},
		{"internal", map[string]any{"orders": []map[string]any{{"operation_id": "x"}}}, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			f.submitter.err = tt.err
			assert.Equal(t, tt.want, f.do(t, http.MethodPost, "/api/orders", tt.body).Code)
		})
	}
}

func TestCancelAllAlwaysSucceeds(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/venues/binance/cancel-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"cex_binance"}, decode(t, rec)["backends"])

	rec = f.do(t, http.MethodPost, "/api/venues/nowhere/cancel-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Empty(t, body["backends"])
	assert.Equal(t, []string{"binance", "nowhere"}, f.router.cancelled)
}

func TestPositions(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1000, decode(t, rec)["balances"].(map[string]any)["binance:BaseToken:USDT"])

	rec = f.do(t, http.MethodGet, "/api/positions/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1000, decode(t, rec)["idle"].(map[string]any)["binance"])
}

func TestTransferSafetyViolation(t *testing.T) {
	f := newFixture(t, "")
	f.planner.err = &transfer.SafetyError{Check: transfer.CheckLendingLTV, Venue: "aave_v3", Limit: 0.75, Value: 0.9}

	rec := f.do(t, http.MethodPost, "/api/transfers", map[string]any{
		"source": "aave_v3", "target": "binance", "amount_usd": 1000, "execute": true,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, transfer.CheckLendingLTV, body["check"])
	assert.Nil(t, f.submitter.orders)
}

func TestTransferPlanAndExecute(t *testing.T) {
	f := newFixture(t, "")
	f.planner.plan = transfer.Plan{
		Purpose: "fund margin",
		Legs: []domain.TransferLeg{
			{TradeType: domain.TradeLendingWithdrawal, Venue: "aave_v3", Token: "USDT", OutputToken: "USDT", Amount: 1000},
			{TradeType: domain.TradeVenueTransfer, Venue: "wallet", FromVenue: "wallet", ToVenue: "binance", Token: "USDT", OutputToken: "USDT", Amount: 1000},
		},
	}

	rec := f.do(t, http.MethodPost, "/api/transfers", map[string]any{
		"source": "aave_v3", "target": "binance", "amount_usd": 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.submitter.orders)
	assert.NotEmpty(t, decode(t, rec)["operation_id"])

	rec = f.do(t, http.MethodPost, "/api/transfers", map[string]any{
		"operation_id": "t1", "source": "aave_v3", "target": "binance", "amount_usd": 1000, "execute": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, f.submitter.atomic)
	require.Len(t, f.submitter.orders, 2)
	assert.Equal(t, "t1-leg-0", f.submitter.orders[0].OperationID)
	assert.Equal(t, domain.OpWithdraw, f.submitter.orders[0].Operation)
	assert.Equal(t, domain.OpTransfer, f.submitter.orders[1].Operation)
	assert.Len(t, decode(t, rec)["handshakes"], 2)
}

func TestTransferRejectsBadRequest(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/transfers", map[string]any{"source": "a"}).Code)

	f.planner.err = fmt.Errorf("transfer: %w", domain.ErrNoRoute)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/transfers", map[string]any{
		"source": "a", "target": "b", "amount_usd": 10,
	}).Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "simulate", body["mode"])
	assert.EqualValues(t, 1, body["pending_groups"])
}

func TestEventsTailsStream(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/api/events?after=6-0&limit=900", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "7-0", body["next"])
	assert.Len(t, body["events"], 1)
	assert.Equal(t, "6-0", f.tail.after)
	assert.Equal(t, 500, f.tail.limit, "limit is clamped to the page ceiling")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/events?limit=-1", nil).Code)

	f.tail.err = errors.New("redis down")
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodGet, "/api/events", nil).Code)
}
