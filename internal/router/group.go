package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/venuerouter/internal/backend"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/notify"
	"golang.org/x/sync/errgroup"
)

// RouteGroup runs the legs of one logical operation strictly in order. When a
// leg fails, every earlier CONFIRMED leg is compensated newest first and a
// ROLLED_BACK handshake carrying the compensating deltas is appended for it.
// Legs after the failure are not executed; they get ROUTING_GROUP_ABORTED and
// are not counted as routed.
func (r *Router) RouteGroup(ctx context.Context, orders []domain.Order) []domain.Handshake {
	out := make([]domain.Handshake, 0, len(orders))
	var confirmed []int
	for i, o := range orders {
		h := r.Route(ctx, o)
		out = append(out, h)
		switch h.Status {
		case domain.StatusConfirmed:
			confirmed = append(confirmed, i)
			continue
		case domain.StatusPending:
			continue
		}

		msg := fmt.Sprintf("leg %s failed with %s", o.OperationID, h.ErrorCode)
		for _, rest := range orders[i+1:] {
			out = append(out, r.fail(rest, CodeGroupAborted, msg, r.stamp(rest)))
		}
		for k := len(confirmed) - 1; k >= 0; k-- {
			idx := confirmed[k]
			if rb, ok := r.compensate(ctx, orders[idx], out[idx], o.OperationID); ok {
				out = append(out, rb)
			}
		}
		break
	}
	return out
}

// compensate routes the inverse of a confirmed leg.
func (r *Router) compensate(ctx context.Context, o domain.Order, h domain.Handshake, failedID string) (domain.Handshake, bool) {
	inv, ok := backend.Inverse(o, h)
	if !ok {
		r.alert(ctx, o, "no inverse operation for "+string(o.Operation))
		return domain.Handshake{}, false
	}
	ih := r.Route(ctx, inv)
	if ih.Status != domain.StatusConfirmed {
		r.alert(ctx, o, fmt.Sprintf("compensation %s ended %s: %s", inv.OperationID, ih.Status, ih.ErrorMessage))
		return domain.Handshake{}, false
	}
	msg := fmt.Sprintf("sibling leg %s failed; undone by %s", failedID, inv.OperationID)
	return h.RolledBack(ih.ActualDeltas, CodeRolledBack, msg).WithDetail("compensated_by", inv.OperationID), true
}

func (r *Router) alert(ctx context.Context, o domain.Order, msg string) {
	r.logger.Error("rollback incomplete",
		slog.String("operation_id", o.OperationID),
		slog.String("venue", o.Venue),
		slog.String("reason", msg),
	)
	if r.opts.Notifier == nil {
		return
	}
	title := "Rollback incomplete: " + o.OperationID
	if err := r.opts.Notifier.Notify(ctx, notify.EventEmergency, title, msg); err != nil {
		r.logger.Warn("notify rollback", slog.String("error", err.Error()))
	}
}

// RouteBatch groups orders by strategy id and runs each group with
// RouteGroup. Orders without a strategy id form their own group. Groups run
// one after another in simulate mode and concurrently in live mode. The
// result holds one handshake per input order, in input order, followed by
// any ROLLED_BACK handshakes in group order.
func (r *Router) RouteBatch(ctx context.Context, orders []domain.Order) []domain.Handshake {
	var groups [][]int
	index := make(map[string]int)
	for i, o := range orders {
		key := o.StrategyID
		if key == "" {
			groups = append(groups, []int{i})
			continue
		}
		g, ok := index[key]
		if !ok {
			g = len(groups)
			index[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}

	results := make([]domain.Handshake, len(orders))
	extras := make([][]domain.Handshake, len(groups))
	run := func(g int) {
		legs := make([]domain.Order, len(groups[g]))
		for k, idx := range groups[g] {
			legs[k] = orders[idx]
		}
		hs := r.RouteGroup(ctx, legs)
		for k, idx := range groups[g] {
			results[idx] = hs[k]
		}
		extras[g] = hs[len(legs):]
	}

	if r.opts.Simulate {
		for g := range groups {
			run(g)
		}
	} else {
		var eg errgroup.Group
		eg.SetLimit(r.opts.BatchConcurrency)
		for g := range groups {
			eg.Go(func() error {
				run(g)
				return nil
			})
		}
		_ = eg.Wait()
	}

	for _, e := range extras {
		results = append(results, e...)
	}
	return results
}
