package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/transfer"
)

// ExchangeClientFunc builds a live REST client for one exchange.
type ExchangeClientFunc func(venue string, c config.CEXConfig) (domain.ExchangeClient, error)

// ChainClientFunc builds the signing chain client shared by every on-chain
// backend.
type ChainClientFunc func(ctx context.Context, c config.Config) (ChainClient, error)

// Factory builds backends from configuration. Live clients are created
// through injected constructors so this package never imports a venue SDK.
type Factory struct {
	cfg      *config.Config
	reg      *domain.Registry
	planner  *transfer.Planner
	throttle Throttle
	notifier domain.Notifier
	logger   *slog.Logger

	NewExchangeClient ExchangeClientFunc
	NewChainClient    ChainClientFunc

	chainOnce sync.Once
	chain     ChainClient
	chainErr  error
}

// NewFactory creates a Factory. throttle and notifier may be nil.
func NewFactory(cfg *config.Config, reg *domain.Registry, throttle Throttle, notifier domain.Notifier, logger *slog.Logger) *Factory {
	if throttle == nil {
		perSec := make(map[string]float64, len(cfg.Venues))
		for name, v := range cfg.Venues {
			perSec[name] = float64(v.RateLimitPerSec)
		}
		throttle = NewLocalThrottle(perSec, 10)
	}
	return &Factory{
		cfg:      cfg,
		reg:      reg,
		planner:  transfer.NewPlanner(transfer.ConfigFrom(cfg.Transfer), reg),
		throttle: throttle,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "backend_factory")),
	}
}

// Planner returns the transfer planner shared by the transfer backend.
func (f *Factory) Planner() *transfer.Planner { return f.planner }

// Create builds one backend. Missing live credentials yield an error wrapping
// domain.ErrBackendUnavailable.
func (f *Factory) Create(ctx context.Context, family Family, venue string, mode Mode, market domain.MarketDataSource) (Backend, error) {
	b, err := f.create(ctx, family, venue, mode)
	if err != nil {
		return nil, err
	}
	b.SetDependencies(Dependencies{Market: market})
	return b, nil
}

func (f *Factory) create(ctx context.Context, family Family, venue string, mode Mode) (Backend, error) {
	info, ok := f.reg.Venue(venue)
	if !ok {
		return nil, fmt.Errorf("backend: create %s: unknown venue: %w", Key(family, venue), domain.ErrBackendUnavailable)
	}
	sim := mode == ModeSimulate

	switch family {
	case FamilyCEX:
		if info.Kind != domain.VenueKindCEX {
			return nil, fmt.Errorf("backend: %s is not an exchange", venue)
		}
		if sim {
			return NewCEXSim(venue, f.reg, f.cfg.Simulation), nil
		}
		vc, ok := f.cfg.Venues[venue]
		if !ok || !vc.HasCredentials() {
			return nil, fmt.Errorf("backend: %s: missing api credentials: %w", Key(family, venue), domain.ErrBackendUnavailable)
		}
		if f.NewExchangeClient == nil {
			return nil, fmt.Errorf("backend: %s: no exchange client constructor: %w", Key(family, venue), domain.ErrBackendUnavailable)
		}
		client, err := f.NewExchangeClient(venue, vc)
		if err != nil {
			return nil, fmt.Errorf("backend: %s: %w", Key(family, venue), err)
		}
		return NewCEXLive(client, f.reg, f.throttle, f.logger), nil

	case FamilyOnChain:
		if info.Kind != domain.VenueKindLending && info.Kind != domain.VenueKindStaking {
			return nil, fmt.Errorf("backend: %s is not a protocol venue", venue)
		}
		if sim {
			if slices.Contains(f.cfg.Simulation.LendingVenues, venue) {
				return NewLendingSim(venue, f.reg, f.cfg.Simulation), nil
			}
			return NewOnChainSim(venue, f.reg), nil
		}
		chain, err := f.chainClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("backend: %s: %w", Key(family, venue), err)
		}
		return NewOnChainLive(venue, f.reg, chain, f.throttle, f.logger), nil

	case FamilyDEX:
		if info.Kind != domain.VenueKindDEX {
			return nil, fmt.Errorf("backend: %s is not a dex", venue)
		}
		if sim {
			return NewDEXSim(venue, f.reg, f.cfg.Simulation), nil
		}
		chain, err := f.chainClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("backend: %s: %w", Key(family, venue), err)
		}
		return NewDEXLive(venue, f.reg, chain, f.throttle, f.cfg.DEX.SlippageBps, f.logger), nil

	case FamilyTransfer:
		opts := TransferOptions{Notifier: f.notifier, Throttle: f.throttle}
		if !sim {
			if !f.cfg.Transfer.HasCredentials() {
				return nil, fmt.Errorf("backend: %s: missing wallet credentials: %w", Key(family, venue), domain.ErrBackendUnavailable)
			}
			chain, err := f.chainClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("backend: %s: %w", Key(family, venue), err)
			}
			opts.Chain = chain
			opts.WalletAddress = f.cfg.Transfer.WalletAddress
			opts.DepositAddresses = f.cfg.Transfer.DepositAddresses
		}
		return NewTransferBackend(venue, f.reg, f.planner, sim, opts, f.logger), nil
	}
	return nil, fmt.Errorf("backend: unknown family %q", family)
}

// chainClient builds the shared chain client once.
func (f *Factory) chainClient(ctx context.Context) (ChainClient, error) {
	if !f.cfg.OnChain.HasCredentials() {
		return nil, fmt.Errorf("missing rpc url or signing key: %w", domain.ErrBackendUnavailable)
	}
	f.chainOnce.Do(func() {
		if f.NewChainClient == nil {
			f.chainErr = fmt.Errorf("no chain client constructor: %w", domain.ErrBackendUnavailable)
			return
		}
		f.chain, f.chainErr = f.NewChainClient(ctx, *f.cfg)
	})
	return f.chain, f.chainErr
}

// CreateAll builds a backend for every registered venue plus the transfer
// rail. Venues without credentials are logged and skipped; any other error
// aborts.
func (f *Factory) CreateAll(ctx context.Context, mode Mode, market domain.MarketDataSource) (map[string]Backend, error) {
	type target struct {
		family Family
		venue  string
	}
	var targets []target
	for _, v := range f.reg.VenuesOfKind(domain.VenueKindCEX) {
		targets = append(targets, target{FamilyCEX, v})
	}
	for _, kind := range []domain.VenueKind{domain.VenueKindLending, domain.VenueKindStaking} {
		for _, v := range f.reg.VenuesOfKind(kind) {
			targets = append(targets, target{FamilyOnChain, v})
		}
	}
	for _, v := range f.reg.VenuesOfKind(domain.VenueKindDEX) {
		targets = append(targets, target{FamilyDEX, v})
	}
	targets = append(targets, target{FamilyTransfer, f.Rail()})

	out := make(map[string]Backend, len(targets))
	for _, t := range targets {
		b, err := f.Create(ctx, t.family, t.venue, mode, market)
		if errors.Is(err, domain.ErrBackendUnavailable) {
			f.logger.Warn("backend unavailable",
				slog.String("backend", Key(t.family, t.venue)),
				slog.String("reason", err.Error()),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		out[b.Key()] = b
	}

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	f.logger.Info("backends created", slog.String("mode", string(mode)), slog.Any("backends", keys))
	return out, nil
}

// Rail is the venue name of the transfer backend.
func (f *Factory) Rail() string {
	if f.cfg.Transfer.Rail != "" {
		return f.cfg.Transfer.Rail
	}
	return "wallet"
}

// Wire injects the shared collaborators into every backend and links the
// transfer backend to its siblings. Call it once, after CreateAll and after
// the position book exists.
func (f *Factory) Wire(backends map[string]Backend, positions domain.PositionSink, events domain.EventLogger, market domain.MarketDataSource) {
	deps := Dependencies{Positions: positions, Events: events, Market: market}
	for _, b := range backends {
		b.SetDependencies(deps)
	}
	for _, b := range backends {
		if l, ok := b.(Linker); ok {
			l.Link(backends)
		}
	}
}
