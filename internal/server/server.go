package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/server/handler"
	"github.com/alanyoungcy/venuerouter/internal/server/middleware"
	"github.com/alanyoungcy/venuerouter/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per client per second; zero disables limiting.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Routing   *handler.RoutingHandler
	Orders    *handler.OrderHandler
	Venues    *handler.VenueHandler
	Positions *handler.PositionHandler
	Transfers *handler.TransferHandler
	Events    *handler.EventHandler
}

// Options carries the optional collaborators of the server.
type Options struct {
	Hub     *ws.Hub
	Limiter domain.RateLimiter
	Metrics prometheus.Gatherer
}

// Server is the headless HTTP + WebSocket API of the venue router.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Health and metrics stay outside authentication.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	api := http.NewServeMux()

	if handlers.Status != nil {
		api.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Routing != nil {
		api.HandleFunc("GET /api/routing/stats", handlers.Routing.Stats)
		api.HandleFunc("GET /api/routing/history", handlers.Routing.History)
		api.HandleFunc("GET /api/handshakes", handlers.Routing.ListHandshakes)
		api.HandleFunc("GET /api/handshakes/{id}", handlers.Routing.GetHandshake)
	}
	if handlers.Orders != nil {
		api.HandleFunc("POST /api/orders", handlers.Orders.SubmitOrders)
	}
	if handlers.Venues != nil {
		api.HandleFunc("POST /api/venues/{venue}/cancel-all", handlers.Venues.CancelAll)
	}
	if handlers.Positions != nil {
		api.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
		api.HandleFunc("GET /api/positions/snapshot", handlers.Positions.Snapshot)
	}
	if handlers.Transfers != nil {
		api.HandleFunc("POST /api/transfers", handlers.Transfers.Plan)
	}
	if handlers.Events != nil {
		api.HandleFunc("GET /api/events", handlers.Events.List)
	}
	if opts.Hub != nil {
		api.HandleFunc("GET /ws", opts.Hub.HandleWS)
	}

	mws := []middleware.Middleware{middleware.Auth(cfg.APIKey)}
	if opts.Limiter != nil && cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(opts.Limiter, cfg.RateLimit, time.Second, logger))
	}

	root := http.NewServeMux()
	if handlers.Health != nil {
		root.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if opts.Metrics != nil {
		root.Handle("GET /metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}
	root.Handle("/", middleware.Chain(api, mws...))

	h := middleware.Chain(root,
		middleware.CORS(cfg.CORSOrigins),
		middleware.Logging(logger),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
