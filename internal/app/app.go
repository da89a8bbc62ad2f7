// Package app wires stores, caches, blob storage, venue clients and
// notifications, then runs the router in simulate or live mode.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/alanyoungcy/venuerouter/internal/config"
)

// App owns the configuration, the logger and the cleanup registered while
// wiring. Cleanup runs in reverse order on Close.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	closeOnce sync.Once
	closers   []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks in the configured mode. Simulate returns
// once the replay finishes; live returns when ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(strings.TrimSpace(a.cfg.Mode))
	if mode != "simulate" && mode != "live" {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if mode == "live" {
		return a.LiveMode(ctx, deps)
	}
	report, err := a.SimulateMode(ctx, deps)
	if path := a.cfg.Simulation.ReportPath; path != "" {
		if werr := writeReport(path, report); werr != nil {
			a.logger.ErrorContext(ctx, "write simulation report failed",
				slog.String("path", path),
				slog.String("error", werr.Error()),
			)
		} else {
			a.logger.InfoContext(ctx, "simulation report written", slog.String("path", path))
		}
	}
	return err
}

func writeReport(path string, report Report) error {
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("app: encode report: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("app: write report: %w", err)
	}
	return nil
}

// Close releases everything Run acquired. Later calls do nothing.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.logger.Info("shutting down")
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
		a.closers = nil
	})
}
