package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuerouter/internal/backend"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/eventlog"
	"github.com/alanyoungcy/venuerouter/internal/executor"
	"github.com/alanyoungcy/venuerouter/internal/marketdata"
	"github.com/alanyoungcy/venuerouter/internal/platform/binance"
	"github.com/alanyoungcy/venuerouter/internal/server"
	"github.com/alanyoungcy/venuerouter/internal/server/handler"
	"github.com/alanyoungcy/venuerouter/internal/server/ws"
)

// priceMaxAge is how stale a cached price may be before it counts as missing.
const priceMaxAge = 5 * time.Minute

// LiveMode routes orders against real venues. Orders arrive on the Redis
// orders channel and through the HTTP API; prices stream into the Redis
// cache from the exchange WebSockets.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	if deps.PriceCache == nil || deps.SignalBus == nil {
		return fmt.Errorf("app: live mode requires redis")
	}
	startedAt := time.Now().UTC()

	market := marketdata.NewLive(deps.PriceCache, priceMaxAge, a.cfg.Transfer.GasFeeUSD)
	core, err := buildCore(ctx, a.cfg, deps, backend.ModeLive, market, a.logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return core.Events.Run(ctx)
	})

	// Order intake.
	orders, err := executor.Subscribe(ctx, deps.SignalBus, executor.OrdersChannel, a.logger)
	if err != nil {
		return fmt.Errorf("app: subscribe orders: %w", err)
	}
	exec := executor.NewExecutor(orders, core.Router, a.logger)
	exec.OnResult(func(ctx context.Context, h domain.Handshake) {
		core.apply(ctx, []domain.Handshake{h}, a.logger)
	})
	exec.OnResult(executor.Publisher(deps.SignalBus, a.logger))
	g.Go(func() error {
		return exec.Run(ctx)
	})

	// Price streams.
	for _, name := range a.cfg.VenueNames() {
		vc := a.cfg.Venues[name]
		if !strings.EqualFold(name, "binance") || vc.WSURL == "" || len(vc.StreamSymbols) == 0 {
			continue
		}
		stream := binance.NewTickerStream(name, vc.WSURL, vc.StreamSymbols, deps.PriceCache, a.logger)
		g.Go(func() error {
			return stream.Run(ctx)
		})
	}

	// Emergency checks.
	g.Go(func() error {
		return a.monitor(ctx, core)
	})

	// Routing history archive.
	if deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(ctx, core, deps.Archiver)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, core, deps, exec, startedAt)
	}

	return g.Wait()
}

// monitor polls the book's health and plans remediation for every detected
// emergency. Plans are routed only when auto_execute is set.
func (a *App) monitor(ctx context.Context, core *Core) error {
	every := a.cfg.Rebalance.CheckInterval.Duration
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hs, err := core.checkHealth(ctx, a.cfg, time.Now().UTC(), a.cfg.Rebalance.AutoExecute, a.logger)
			if err != nil {
				a.logger.WarnContext(ctx, "health check failed", slog.String("error", err.Error()))
				continue
			}
			if len(hs) > 0 {
				a.logger.InfoContext(ctx, "remediation executed", slog.Int("handshakes", len(hs)))
			}
		}
	}
}

// archiveLoop uploads the routing records appended since the last upload.
func (a *App) archiveLoop(ctx context.Context, core *Core, archiver domain.Archiver) error {
	every := a.cfg.S3.ArchiveEvery.Duration
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	cursor := 0
	upload := func(ctx context.Context) {
		records, next := core.Router.Ledger().Since(cursor)
		if len(records) == 0 {
			cursor = next
			return
		}
		path, err := archiver.ArchiveRouting(ctx, records, time.Now().UTC())
		if err != nil {
			a.logger.ErrorContext(ctx, "archive routing history failed", slog.String("error", err.Error()))
			return
		}
		cursor = next
		a.logger.InfoContext(ctx, "routing history archived",
			slog.String("path", path),
			slog.Int("records", len(records)),
		)
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			upload(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			upload(ctx)
		}
	}
}

// startHTTPServer adds the API server and the WebSocket hub to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, core *Core, deps *Dependencies, exec *executor.Executor, startedAt time.Time) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
		Channels:  []string{executor.HandshakesChannel},
		Status:    core.Router.Health,
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   20,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(core.Router),
		Status:    handler.NewStatusHandler(a.cfg.Mode, startedAt, exec.Pending),
		Routing:   handler.NewRoutingHandler(core.Router, deps.HandshakeStore, a.logger),
		Orders:    handler.NewOrderHandler(exec, a.logger),
		Venues:    handler.NewVenueHandler(core.Router, a.logger),
		Positions: handler.NewPositionHandler(core.Book, a.logger),
		Transfers: handler.NewTransferHandler(core.Factory.Planner(), core.Book, exec, a.logger),
		Events:    handler.NewEventHandler(eventlog.NewReader(deps.SignalBus, ""), a.logger),
	}, server.Options{
		Hub:     hub,
		Limiter: deps.RateLimiter,
		Metrics: core.Metrics,
	}, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
}
