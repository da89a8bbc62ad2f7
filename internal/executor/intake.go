package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// OrdersChannel is the pub/sub channel live orders are published on.
const OrdersChannel = "orders"

// HandshakesChannel is where every produced handshake is republished.
const HandshakesChannel = "handshakes"

// Subscribe decodes JSON orders published on channel into a stream. A payload
// may hold one order or an array of orders. Undecodable payloads are logged
// and dropped. The stream closes when the subscription ends.
func Subscribe(ctx context.Context, bus domain.SignalBus, channel string, logger *slog.Logger) (<-chan domain.Order, error) {
	if channel == "" {
		channel = OrdersChannel
	}
	raw, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("executor: subscribe %s: %w", channel, err)
	}
	log := logger.With(slog.String("component", "intake"), slog.String("channel", channel))
	out := make(chan domain.Order, 256)
	go func() {
		defer close(out)
		for payload := range raw {
			orders, err := DecodeOrders(payload)
			if err != nil {
				log.Warn("dropping undecodable order payload", slog.String("error", err.Error()))
				continue
			}
			for _, o := range orders {
				select {
				case out <- o:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// DecodeOrders parses one order or a JSON array of orders.
func DecodeOrders(payload []byte) ([]domain.Order, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("executor: empty payload: %w", domain.ErrInvalidOrder)
	}
	if payload[0] == '[' {
		var orders []domain.Order
		if err := json.Unmarshal(payload, &orders); err != nil {
			return nil, fmt.Errorf("executor: decode orders: %w", err)
		}
		return orders, nil
	}
	var o domain.Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("executor: decode order: %w", err)
	}
	return []domain.Order{o}, nil
}

// Publisher republishes handshakes as JSON on the handshakes channel.
func Publisher(bus domain.SignalBus, logger *slog.Logger) ResultHandler {
	log := logger.With(slog.String("component", "intake"))
	return func(ctx context.Context, h domain.Handshake) {
		payload, err := json.Marshal(h)
		if err != nil {
			log.Error("encode handshake", slog.String("operation_id", h.OperationID), slog.String("error", err.Error()))
			return
		}
		if err := bus.Publish(ctx, HandshakesChannel, payload); err != nil {
			log.Warn("publish handshake", slog.String("operation_id", h.OperationID), slog.String("error", err.Error()))
		}
	}
}
