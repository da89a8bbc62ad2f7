package domain

import (
	"context"
	"time"
)

// MarketDataSource is the price and index lookup collaborator. Keys use the
// canonical instrument vocabulary.
type MarketDataSource interface {
	GetPrice(ctx context.Context, key InstrumentKey, ts time.Time) (float64, error)
	GetIndex(ctx context.Context, token string, kind IndexKind, ts time.Time) (float64, error)
	GetGasCost(ctx context.Context, op Operation, ts time.Time) (float64, error)
}

// PositionSink applies realized settlement deltas to position bookkeeping.
type PositionSink interface {
	Apply(ctx context.Context, h Handshake) error
}

// ExecutionEvent is the structured record emitted per execution attempt.
type ExecutionEvent struct {
	Type        string          `json:"type"`
	OperationID string          `json:"operation_id"`
	Operation   Operation       `json:"operation"`
	Venue       string          `json:"venue"`
	Token       string          `json:"token,omitempty"`
	Amount      float64         `json:"amount"`
	Status      HandshakeStatus `json:"status"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Simulated   bool            `json:"simulated"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventLogger is fire-and-forget: implementations must not block routing and
// swallow their own failures.
type EventLogger interface {
	LogEvent(ctx context.Context, ev ExecutionEvent)
}

// Notifier sends operator alerts filtered by event type.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}
