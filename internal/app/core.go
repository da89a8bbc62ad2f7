package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alanyoungcy/venuerouter/internal/backend"
	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/eventlog"
	"github.com/alanyoungcy/venuerouter/internal/platform/binance"
	"github.com/alanyoungcy/venuerouter/internal/platform/bybit"
	"github.com/alanyoungcy/venuerouter/internal/platform/evm"
	"github.com/alanyoungcy/venuerouter/internal/position"
	"github.com/alanyoungcy/venuerouter/internal/rebalance"
	"github.com/alanyoungcy/venuerouter/internal/router"
)

// Core is the execution stack shared by both modes.
type Core struct {
	Registry   *domain.Registry
	Factory    *backend.Factory
	Backends   map[string]backend.Backend
	Router     *router.Router
	Events     *eventlog.Logger
	Book       *position.Book
	Rebalancer *rebalance.Rebalancer
	Metrics    *prometheus.Registry
}

// buildCore creates every backend for mode and links it to the router, the
// position book and the event log.
func buildCore(ctx context.Context, cfg *config.Config, deps *Dependencies, mode backend.Mode, market domain.MarketDataSource, logger *slog.Logger) (*Core, error) {
	reg := domain.DefaultRegistry()

	factory := backend.NewFactory(cfg, reg, throttleFor(cfg, deps), deps.Notifier, logger)
	factory.NewExchangeClient = newExchangeClient
	factory.NewChainClient = func(ctx context.Context, c config.Config) (backend.ChainClient, error) {
		client, err := evm.Dial(ctx, c, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	backends, err := factory.CreateAll(ctx, mode, market)
	if err != nil {
		return nil, fmt.Errorf("app: create backends: %w", err)
	}

	sinks := []eventlog.Sink{eventlog.NewSlogSink(logger)}
	if deps.SignalBus != nil {
		sinks = append(sinks, eventlog.NewStreamSink(deps.SignalBus, eventlog.DefaultStream))
	}
	if deps.AuditStore != nil {
		sinks = append(sinks, eventlog.NewAuditSink(deps.AuditStore))
	}
	events := eventlog.New(sinks, 0, logger)

	book := position.NewBook(reg, market, logger)
	factory.Wire(backends, book, events, market)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := router.New(backends, reg, router.Options{
		Rail:     factory.Rail(),
		Simulate: mode == backend.ModeSimulate,
		Events:   events,
		Store:    deps.HandshakeStore,
		Notifier: deps.Notifier,
		Metrics:  router.NewMetrics(metrics),
	}, logger)

	rb := rebalance.New(rebalance.ConfigFrom(cfg.Rebalance), factory.Planner(), reg, deps.Notifier, logger)

	return &Core{
		Registry:   reg,
		Factory:    factory,
		Backends:   backends,
		Router:     r,
		Events:     events,
		Book:       book,
		Rebalancer: rb,
		Metrics:    metrics,
	}, nil
}

// throttleFor shares venue budgets through Redis when it is wired. A nil
// result makes the factory fall back to in-process token buckets.
func throttleFor(cfg *config.Config, deps *Dependencies) backend.Throttle {
	if deps.RateLimiter == nil || deps.LockManager == nil || !cfg.IsLive() {
		return nil
	}
	return backend.NewSharedThrottle(deps.RateLimiter, deps.LockManager, 30*time.Second)
}

// newExchangeClient picks the REST client for a venue.
func newExchangeClient(venue string, c config.CEXConfig) (domain.ExchangeClient, error) {
	var (
		client domain.ExchangeClient
		err    error
	)
	switch strings.ToLower(venue) {
	case "binance":
		client, err = binance.NewClient(venue, c)
	case "bybit":
		client, err = bybit.NewClient(venue, c)
	default:
		return nil, fmt.Errorf("no live client for %s: %w", venue, domain.ErrBackendUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// healthOptions carries the debt economics into the book's health snapshot.
func healthOptions(cfg *config.Config) position.HealthOptions {
	return position.HealthOptions{
		DebtYieldAPY: cfg.Rebalance.DebtYieldAPY,
		DebtCostAPY:  cfg.Rebalance.DebtCostAPY,
	}
}

// checkHealth detects emergencies at ts and plans their remediation. When
// execute is set the plans are routed and their handshakes applied to the
// book.
func (c *Core) checkHealth(ctx context.Context, cfg *config.Config, ts time.Time, execute bool, logger *slog.Logger) ([]domain.Handshake, error) {
	h, err := c.Book.Health(ctx, ts, healthOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("app: health: %w", err)
	}
	kinds := c.Rebalancer.Detect(h)
	if len(kinds) == 0 {
		return nil, nil
	}

	var out []domain.Handshake
	for _, kind := range kinds {
		snap, err := c.Book.Snapshot(ctx, ts)
		if err != nil {
			return out, fmt.Errorf("app: snapshot: %w", err)
		}
		rem, err := c.Rebalancer.Remediate(ctx, kind, h, snap)
		if err != nil {
			logger.WarnContext(ctx, "remediation incomplete",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
		}
		if !execute || len(rem.Steps) == 0 {
			continue
		}
		outcome, err := c.Rebalancer.Execute(ctx, rem, c.Router, ts)
		if err != nil {
			return out, fmt.Errorf("app: execute %s remediation: %w", kind, err)
		}
		c.apply(ctx, outcome.Handshakes, logger)
		out = append(out, outcome.Handshakes...)
	}
	return out, nil
}

// apply books handshakes into the position book.
func (c *Core) apply(ctx context.Context, hs []domain.Handshake, logger *slog.Logger) {
	for _, h := range hs {
		if err := c.Book.Apply(ctx, h); err != nil {
			logger.WarnContext(ctx, "position apply failed",
				slog.String("operation_id", h.OperationID),
				slog.String("error", err.Error()),
			)
		}
	}
}
