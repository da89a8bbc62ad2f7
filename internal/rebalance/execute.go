package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/transfer"
)

// GroupRouter runs one sequential group of orders.
type GroupRouter interface {
	RouteGroup(ctx context.Context, orders []domain.Order) []domain.Handshake
}

// Outcome is the result of executing a remediation.
type Outcome struct {
	Handshakes []domain.Handshake `json:"handshakes"`
	FailedStep []int              `json:"failed_steps,omitempty"`
}

// Execute routes every step of rem as its own group, in priority order. A
// failed step does not stop later ones; its index is reported in the outcome.
func (r *Rebalancer) Execute(ctx context.Context, rem Remediation, router GroupRouter, ts time.Time) (Outcome, error) {
	var out Outcome
	for i, step := range rem.Steps {
		if len(step.Legs) == 0 {
			continue
		}
		parent := domain.Order{
			OperationID:    fmt.Sprintf("rebalance-%s-%d-%d", strings.ToLower(string(rem.Kind)), ts.UnixNano(), i),
			StrategyIntent: string(rem.Kind),
		}
		orders, err := transfer.LegOrders(parent, step.Legs, ts)
		if err != nil {
			return out, fmt.Errorf("rebalance: step %d: %w", i, err)
		}

		hs := router.RouteGroup(ctx, orders)
		out.Handshakes = append(out.Handshakes, hs...)
		for _, h := range hs {
			if h.Status == domain.StatusFailed {
				out.FailedStep = append(out.FailedStep, i)
				r.logger.Warn("remediation step failed",
					slog.String("kind", string(rem.Kind)),
					slog.String("source", step.Source.Name),
					slog.String("operation_id", h.OperationID),
					slog.String("error_code", h.ErrorCode),
				)
				break
			}
		}
	}
	return out, nil
}
