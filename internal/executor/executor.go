// Package executor is the live order intake. Orders arrive from the Redis
// orders channel or the HTTP API, are de-duplicated by operation id, grouped
// when they carry a group id, and handed to the router. Retryable failures
// are retried with backoff.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Router is the routing surface the executor drives.
type Router interface {
	Route(ctx context.Context, o domain.Order) domain.Handshake
	RouteGroup(ctx context.Context, orders []domain.Order) []domain.Handshake
	RouteBatch(ctx context.Context, orders []domain.Order) []domain.Handshake
}

// ResultHandler receives every handshake the executor produces.
type ResultHandler func(ctx context.Context, h domain.Handshake)

// Executor consumes orders until its channel closes or ctx is cancelled.
type Executor struct {
	orders <-chan domain.Order
	router Router
	dedup  *Dedup
	groups *GroupAccumulator
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   []ResultHandler

	cleanupInterval time.Duration
	retryDelay      time.Duration
	maxRetries      int
}

// NewExecutor creates an Executor reading from orders. orders may be nil
// when only Submit is used.
func NewExecutor(orders <-chan domain.Order, router Router, logger *slog.Logger) *Executor {
	e := &Executor{
		orders:          orders,
		router:          router,
		dedup:           NewDedup(10 * time.Minute),
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
		retryDelay:      500 * time.Millisecond,
		maxRetries:      2,
	}
	e.groups = NewGroupAccumulator(5*time.Second, e.routeGroup, logger)
	e.groups.onExpire = func(id string, legs []domain.Order, expected int) {
		for _, h := range incompleteGroup(id, legs, expected, time.Now().UTC()) {
			e.publish(context.Background(), h)
		}
	}
	return e
}

// OnResult registers a handler for every produced handshake.
func (e *Executor) OnResult(fn ResultHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers = append(e.handlers, fn)
}

// SetRetry changes the retry policy. Must be called before Run.
func (e *Executor) SetRetry(maxRetries int, delay time.Duration) {
	e.maxRetries = maxRetries
	e.retryDelay = delay
}

// SetGroupTimeout changes how long an incomplete group waits. Must be called
// before Run.
func (e *Executor) SetGroupTimeout(d time.Duration) {
	e.groups.maxGap = d
}

// Run processes orders until ctx is cancelled or the channel closes.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanup := time.NewTicker(e.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case o, ok := <-e.orders:
			if !ok {
				return nil
			}
			e.process(ctx, o)
		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

func (e *Executor) process(ctx context.Context, o domain.Order) {
	log := e.logger.With(
		slog.String("operation_id", o.OperationID),
		slog.String("operation", string(o.Operation)),
		slog.String("venue", o.Venue),
	)
	if e.dedup.IsDuplicate(o.OperationID) {
		log.Debug("duplicate order, skipping")
		return
	}
	if e.groups.Add(ctx, o) {
		return
	}
	e.publish(ctx, e.routeWithRetry(ctx, o, log))
}

// Submit routes orders synchronously. A single order is routed with retries;
// several are routed as one atomic group when atomic is set, otherwise as a
// batch. Orders already accepted are rejected with ErrAlreadyExists.
func (e *Executor) Submit(ctx context.Context, orders []domain.Order, atomic bool) ([]domain.Handshake, error) {
	if len(orders) == 0 {
		return nil, fmt.Errorf("executor: no orders: %w", domain.ErrInvalidOrder)
	}
	for i, o := range orders {
		if e.dedup.IsDuplicate(o.OperationID) {
			for _, prev := range orders[:i] {
				e.dedup.Forget(prev.OperationID)
			}
			return nil, fmt.Errorf("executor: operation %s: %w", o.OperationID, domain.ErrAlreadyExists)
		}
	}

	var out []domain.Handshake
	switch {
	case len(orders) == 1:
		out = []domain.Handshake{e.routeWithRetry(ctx, orders[0], e.logger.With(slog.String("operation_id", orders[0].OperationID)))}
	case atomic:
		out = e.router.RouteGroup(ctx, orders)
	default:
		out = e.router.RouteBatch(ctx, orders)
	}
	for _, h := range out {
		e.publish(ctx, h)
	}
	return out, nil
}

func (e *Executor) routeGroup(ctx context.Context, legs []domain.Order) {
	for _, h := range e.router.RouteGroup(ctx, legs) {
		e.publish(ctx, h)
	}
}

// CodeGroupIncomplete marks legs of a group that never filled. None of them
// reached a backend.
const CodeGroupIncomplete = "INTAKE_GROUP_INCOMPLETE"

func incompleteGroup(id string, legs []domain.Order, expected int, at time.Time) []domain.Handshake {
	out := make([]domain.Handshake, 0, len(legs))
	msg := fmt.Sprintf("group %s: received %d of %d legs", id, len(legs), expected)
	for _, o := range legs {
		out = append(out, domain.Failed(o, CodeGroupIncomplete, msg, at, false))
	}
	return out
}

// routeWithRetry routes o, retrying retryable failures with exponential
// backoff. The same operation id is reused on every attempt.
func (e *Executor) routeWithRetry(ctx context.Context, o domain.Order, log *slog.Logger) domain.Handshake {
	h := e.router.Route(ctx, o)
	delay := e.retryDelay
	for attempt := 1; attempt <= e.maxRetries && h.Status == domain.StatusFailed && h.Retryable; attempt++ {
		log.Warn("retryable failure, retrying",
			slog.String("error_code", h.ErrorCode),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return h
		case <-time.After(delay):
		}
		h = e.router.Route(ctx, o)
		delay *= 2
	}
	if h.Status == domain.StatusFailed {
		log.Warn("order failed", slog.String("error_code", h.ErrorCode), slog.String("error", h.ErrorMessage))
	}
	return h
}

func (e *Executor) publish(ctx context.Context, h domain.Handshake) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	for _, fn := range e.handlers {
		fn(ctx, h)
	}
}

// drain routes orders already buffered when ctx is cancelled, each with a
// short deadline so shutdown cannot hang on a venue.
func (e *Executor) drain() {
	for {
		select {
		case o, ok := <-e.orders:
			if !ok {
				return
			}
			e.logger.Warn("draining order after shutdown", slog.String("operation_id", o.OperationID))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(ctx, o)
			cancel()
		default:
			return
		}
	}
}

// Pending returns the number of incomplete groups waiting for legs.
func (e *Executor) Pending() int { return e.groups.Pending() }
