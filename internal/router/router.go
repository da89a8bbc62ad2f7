// Package router dispatches venue-agnostic orders to the execution backend
// that owns the venue and returns one settlement handshake per order.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/backend"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Routing error codes. These never come from a backend.
const (
	CodeInvalidOrder       = "ROUTING_INVALID_ORDER"
	CodeUnknownOperation   = "ROUTING_UNKNOWN_OPERATION"
	CodeBackendUnavailable = "ROUTING_BACKEND_UNAVAILABLE"
	CodeInvalidDeltas      = "ROUTING_INVALID_DELTAS"
	CodeGroupAborted       = "ROUTING_GROUP_ABORTED"
	CodeRolledBack         = "ROLLED_BACK_SIBLING_FAILED"
)

// Options configures a Router. Every collaborator may be nil.
type Options struct {
	// Rail is the venue whose transfer backend handles transfers that have
	// no dedicated transfer backend of their own.
	Rail         string
	Simulate     bool
	Events       domain.EventLogger
	Store        domain.HandshakeStore
	Notifier     domain.Notifier
	Metrics      *Metrics
	HistoryLimit int
	// BatchConcurrency bounds concurrent strategy groups in live mode.
	BatchConcurrency int
}

// Router owns the backend map and the routing ledger. The backend map is
// fixed at construction and read without locks.
type Router struct {
	backends map[string]backend.Backend
	reg      *domain.Registry
	opts     Options
	ledger   *Ledger
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Router over backends keyed by backend.Key.
func New(backends map[string]backend.Backend, reg *domain.Registry, opts Options, logger *slog.Logger) *Router {
	m := make(map[string]backend.Backend, len(backends))
	for k, b := range backends {
		m[k] = b
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 8
	}
	return &Router{
		backends: m,
		reg:      reg,
		opts:     opts,
		ledger:   newLedger(opts.HistoryLimit),
		logger:   logger.With(slog.String("component", "router")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ledger exposes the routing counters and history.
func (r *Router) Ledger() *Ledger { return r.ledger }

// Route executes one order and always returns a handshake. Validation,
// lookup, backend errors and backend panics all come back as FAILED
// handshakes carrying the order's operation id.
func (r *Router) Route(ctx context.Context, o domain.Order) domain.Handshake {
	start := time.Now()
	submitted := r.stamp(o)

	family, b, h, ok := r.resolve(o, submitted)
	if ok {
		h = r.execute(ctx, b, o, submitted)
		h = r.finalize(o, h)
	}

	key := ""
	if b != nil {
		key = b.Key()
	}
	r.record(ctx, o, family, key, h, time.Since(start))
	return h
}

// stamp picks the submission time. Simulated runs use the order's tick.
func (r *Router) stamp(o domain.Order) time.Time {
	if r.opts.Simulate && !o.Timestamp.IsZero() {
		return o.Timestamp
	}
	return r.now()
}

func (r *Router) fail(o domain.Order, code, msg string, at time.Time) domain.Handshake {
	return domain.Failed(o, code, msg, at, r.opts.Simulate)
}

// resolve validates o and finds its backend. When ok is false, h is the
// FAILED handshake to return.
func (r *Router) resolve(o domain.Order, at time.Time) (backend.Family, backend.Backend, domain.Handshake, bool) {
	if err := o.Validate(r.reg); err != nil {
		return "", nil, r.fail(o, CodeInvalidOrder, err.Error(), at), false
	}
	family, ok := backend.FamilyFor(o.Operation)
	if !ok {
		msg := fmt.Sprintf("no backend family handles operation %q", o.Operation)
		return "", nil, r.fail(o, CodeUnknownOperation, msg, at), false
	}
	b, ok := r.lookup(family, o)
	if !ok {
		msg := fmt.Sprintf("no %s backend for venue %q", family, o.Venue)
		return family, nil, r.fail(o, CodeBackendUnavailable, msg, at), false
	}
	if !b.Supports(o.Operation) {
		msg := fmt.Sprintf("%s does not support %s", b.Key(), o.Operation)
		return family, b, r.fail(o, CodeBackendUnavailable, msg, at), false
	}
	return family, b, domain.Handshake{}, true
}

func (r *Router) lookup(family backend.Family, o domain.Order) (backend.Backend, bool) {
	if b, ok := r.backends[backend.Key(family, o.Venue)]; ok {
		return b, true
	}
	if family == backend.FamilyTransfer && r.opts.Rail != "" {
		b, ok := r.backends[backend.Key(family, r.opts.Rail)]
		return b, ok
	}
	return nil, false
}

// execute calls the backend and converts errors and panics into FAILED
// handshakes.
func (r *Router) execute(ctx context.Context, b backend.Backend, o domain.Order, submitted time.Time) (h domain.Handshake) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("backend panicked",
				slog.String("backend", b.Key()),
				slog.String("operation_id", o.OperationID),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			h = backend.FailureFromError(b, o, fmt.Errorf("panic: %v", p), submitted)
		}
	}()

	out, err := b.Execute(ctx, o)
	if err != nil {
		return backend.FailureFromError(b, o, err, submitted)
	}
	return out
}

// finalize forces the handshake onto the order's id and enforces the status
// and vocabulary invariants before anything downstream sees it.
func (r *Router) finalize(o domain.Order, h domain.Handshake) domain.Handshake {
	h.OperationID = o.OperationID
	if h.SubmittedAt.IsZero() {
		h.SubmittedAt = r.stamp(o)
	}
	h, fixed := h.Sanitize(r.stamp(o))
	if fixed {
		r.logger.Warn("handshake corrected",
			slog.String("operation_id", o.OperationID),
			slog.String("status", string(h.Status)),
		)
	}
	if r.reg != nil {
		if err := r.reg.ValidateDeltas(h.ActualDeltas); err != nil {
			bad := r.fail(o, CodeInvalidDeltas, err.Error(), h.SubmittedAt)
			bad.Simulated = h.Simulated
			return bad
		}
	}
	return h
}

// record updates the ledger, metrics and event log for one routed order.
// Persistence failures are logged and never change the handshake.
func (r *Router) record(ctx context.Context, o domain.Order, family backend.Family, key string, h domain.Handshake, elapsed time.Duration) {
	r.ledger.record(domain.RoutingRecord{
		Timestamp:   h.SubmittedAt,
		OperationID: o.OperationID,
		OrderType:   o.Operation,
		Venue:       o.Venue,
		Backend:     key,
		Result:      h.Status,
		ErrorCode:   h.ErrorCode,
	})
	r.opts.Metrics.observe(string(family), o.Venue, string(h.Status), elapsed)

	attrs := []any{
		slog.String("operation_id", o.OperationID),
		slog.String("operation", string(o.Operation)),
		slog.String("venue", o.Venue),
		slog.String("backend", key),
		slog.String("status", string(h.Status)),
		slog.Duration("elapsed", elapsed),
	}
	if h.Status == domain.StatusFailed {
		r.logger.Warn("order failed", append(attrs, slog.String("error_code", h.ErrorCode), slog.String("error", h.ErrorMessage))...)
	} else {
		r.logger.Debug("order routed", attrs...)
	}

	if r.opts.Events != nil {
		r.opts.Events.LogEvent(ctx, domain.ExecutionEvent{
			Type:        "route",
			OperationID: o.OperationID,
			Operation:   o.Operation,
			Venue:       o.Venue,
			Token:       o.Token(),
			Amount:      o.Amount,
			Status:      h.Status,
			ErrorCode:   h.ErrorCode,
			Simulated:   h.Simulated,
			Timestamp:   h.SubmittedAt,
		})
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.Save(ctx, h, o); err != nil {
			r.logger.Error("save handshake", slog.String("operation_id", o.OperationID), slog.String("error", err.Error()))
		}
	}
}

// UpdateResult is the outcome of an Update call.
type UpdateResult struct {
	Trigger   string            `json:"trigger"`
	Success   bool              `json:"success"`
	Handshake *domain.Handshake `json:"handshake,omitempty"`
}

// Update is the event-driven entry point. A nil order is a successful no-op.
func (r *Router) Update(ctx context.Context, trigger string, o *domain.Order) UpdateResult {
	if o == nil {
		return UpdateResult{Trigger: trigger, Success: true}
	}
	h := r.Route(ctx, *o)
	return UpdateResult{Trigger: trigger, Success: h.Status != domain.StatusFailed, Handshake: &h}
}

// CancelAll asks every backend on venue to cancel its open orders. Backend
// errors are logged; the call always succeeds and returns the keys asked.
func (r *Router) CancelAll(ctx context.Context, venue string) []string {
	var asked []string
	for _, key := range r.keys() {
		b := r.backends[key]
		if b.Venue() != venue {
			continue
		}
		asked = append(asked, key)
		if err := b.CancelAll(ctx); err != nil {
			r.logger.Warn("cancel all",
				slog.String("backend", key),
				slog.String("error", err.Error()),
			)
		}
	}
	return asked
}

// Health reports counters, success rate and the available backends.
func (r *Router) Health() domain.RouterHealth {
	routed, ok, failed := r.ledger.Counts()
	h := domain.RouterHealth{
		Routed:            routed,
		Succeeded:         ok,
		Failed:            failed,
		SuccessRate:       1,
		AvailableBackends: r.keys(),
	}
	if routed > 0 {
		h.SuccessRate = float64(ok) / float64(routed)
	}
	switch {
	case len(r.backends) == 0:
		h.Status = "unavailable"
	case h.SuccessRate < 0.5:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}

// History returns up to limit of the most recent routing records.
func (r *Router) History(limit int) []domain.RoutingRecord {
	return r.ledger.Recent(limit)
}

func (r *Router) keys() []string {
	keys := make([]string, 0, len(r.backends))
	for k := range r.backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
