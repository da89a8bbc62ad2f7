package app

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/backend"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/executor"
	"github.com/alanyoungcy/venuerouter/internal/marketdata"
)

// Report summarises a simulation run.
type Report struct {
	Ticks        int                 `json:"ticks"`
	Orders       int                 `json:"orders"`
	Handshakes   []domain.Handshake  `json:"handshakes"`
	Remediations int                 `json:"remediations"`
	Router       domain.RouterHealth `json:"router"`
	Balances     map[string]float64  `json:"balances"`
	ArchivePath  string              `json:"archive_path,omitempty"`
}

// SimulateMode replays the order file against the historical market data,
// one tick at a time, and returns the run report.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) (Report, error) {
	a.logger.InfoContext(ctx, "starting simulate mode",
		slog.String("data", a.cfg.Simulation.DataPath),
		slog.String("orders", a.cfg.Simulation.OrdersPath),
	)
	if a.cfg.Simulation.DataPath == "" {
		return Report{}, fmt.Errorf("app: simulate: simulation.data_path is required")
	}
	static, err := marketdata.LoadStatic(a.cfg.Simulation.DataPath)
	if err != nil {
		return Report{}, fmt.Errorf("app: simulate: %w", err)
	}
	var orders []domain.Order
	if a.cfg.Simulation.OrdersPath != "" {
		orders, err = LoadOrders(a.cfg.Simulation.OrdersPath)
		if err != nil {
			return Report{}, fmt.Errorf("app: simulate: %w", err)
		}
	}

	core, err := buildCore(ctx, a.cfg, deps, backend.ModeSimulate, static, a.logger)
	if err != nil {
		return Report{}, err
	}
	if err := core.Book.Seed(a.cfg.Simulation.InitialBalances); err != nil {
		return Report{}, fmt.Errorf("app: simulate: seed balances: %w", err)
	}

	eventsCtx, stopEvents := context.WithCancel(ctx)
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		_ = core.Events.Run(eventsCtx)
	}()

	report, runErr := a.replay(ctx, core, static.Ticks(), orders)

	stopEvents()
	<-eventsDone

	if deps.Archiver != nil {
		records, _ := core.Router.Ledger().Since(0)
		if len(records) > 0 {
			path, err := deps.Archiver.ArchiveRouting(context.WithoutCancel(ctx), records, time.Now().UTC())
			if err != nil {
				a.logger.ErrorContext(ctx, "archive routing history failed", slog.String("error", err.Error()))
			} else {
				report.ArchivePath = path
			}
		}
	}

	a.logger.InfoContext(ctx, "simulation finished",
		slog.Int("ticks", report.Ticks),
		slog.Int("orders", report.Orders),
		slog.Int64("confirmed", report.Router.Succeeded),
		slog.Int64("failed", report.Router.Failed),
		slog.Int("remediations", report.Remediations),
	)
	return report, runErr
}

// replay routes each tick's orders as one batch, books the handshakes and
// runs the emergency check before moving to the next tick.
func (a *App) replay(ctx context.Context, core *Core, dataTicks []time.Time, orders []domain.Order) (Report, error) {
	byTick := make(map[time.Time][]domain.Order)
	ticks := slices.Clone(dataTicks)
	var first time.Time
	if len(ticks) > 0 {
		first = slices.MinFunc(ticks, func(x, y time.Time) int { return x.Compare(y) })
	}
	for _, o := range orders {
		if o.Timestamp.IsZero() {
			o.Timestamp = first
		}
		ts := o.Timestamp.UTC()
		byTick[ts] = append(byTick[ts], o)
		ticks = append(ticks, ts)
	}
	for i := range ticks {
		ticks[i] = ticks[i].UTC()
	}
	slices.SortFunc(ticks, func(x, y time.Time) int { return x.Compare(y) })
	ticks = slices.CompactFunc(ticks, func(x, y time.Time) bool { return x.Equal(y) })

	report := Report{Orders: len(orders)}
	for _, ts := range ticks {
		if err := ctx.Err(); err != nil {
			return a.finish(report, core), err
		}
		report.Ticks++

		if batch := byTick[ts]; len(batch) > 0 {
			hs := core.Router.RouteBatch(ctx, batch)
			core.apply(ctx, hs, a.logger)
			report.Handshakes = append(report.Handshakes, hs...)
		}

		hs, err := core.checkHealth(ctx, a.cfg, ts, true, a.logger)
		if err != nil {
			a.logger.WarnContext(ctx, "health check skipped",
				slog.Time("tick", ts),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(hs) > 0 {
			report.Remediations++
			report.Handshakes = append(report.Handshakes, hs...)
		}
	}
	return a.finish(report, core), nil
}

func (a *App) finish(r Report, core *Core) Report {
	r.Router = core.Router.Health()
	r.Balances = core.Book.Balances()
	return r
}

// LoadOrders reads a JSON-lines order file. Each line holds one order or an
// array of orders; blank lines and lines starting with # are skipped.
func LoadOrders(path string) ([]domain.Order, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open orders %s: %w", path, err)
	}
	defer f.Close()

	var out []domain.Order
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		orders, err := executor.DecodeOrders(raw)
		if err != nil {
			return nil, fmt.Errorf("orders %s line %d: %w", path, line, err)
		}
		out = append(out, orders...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read orders %s: %w", path, err)
	}
	return out, nil
}
