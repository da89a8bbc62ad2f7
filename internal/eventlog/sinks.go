package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// SlogSink writes each event as one structured log line.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a SlogSink.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With(slog.String("component", "events"))}
}

func (s *SlogSink) Name() string { return "slog" }

func (s *SlogSink) Write(ctx context.Context, ev domain.ExecutionEvent) error {
	level := slog.LevelInfo
	if ev.Status == domain.StatusFailed {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, ev.Type,
		slog.String("operation_id", ev.OperationID),
		slog.String("operation", string(ev.Operation)),
		slog.String("venue", ev.Venue),
		slog.String("token", ev.Token),
		slog.Float64("amount", ev.Amount),
		slog.String("status", string(ev.Status)),
		slog.String("error_code", ev.ErrorCode),
		slog.Bool("simulated", ev.Simulated),
	)
	return nil
}

// StreamSink appends events to a durable stream as protobuf Struct payloads.
type StreamSink struct {
	bus    domain.SignalBus
	stream string
}

// DefaultStream is the stream execution events are appended to.
const DefaultStream = "events:execution"

// NewStreamSink creates a StreamSink on stream.
func NewStreamSink(bus domain.SignalBus, stream string) *StreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamSink{bus: bus, stream: stream}
}

func (s *StreamSink) Name() string { return "stream" }

func (s *StreamSink) Write(ctx context.Context, ev domain.ExecutionEvent) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
		return fmt.Errorf("eventlog: append %s: %w", s.stream, err)
	}
	return nil
}

// AuditSink records events in the append-only audit log.
type AuditSink struct {
	store domain.AuditStore
}

// NewAuditSink creates an AuditSink.
func NewAuditSink(store domain.AuditStore) *AuditSink {
	return &AuditSink{store: store}
}

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Write(ctx context.Context, ev domain.ExecutionEvent) error {
	return s.store.Log(ctx, "execution."+ev.Type, fields(ev))
}

func fields(ev domain.ExecutionEvent) map[string]any {
	return map[string]any{
		"type":         ev.Type,
		"operation_id": ev.OperationID,
		"operation":    string(ev.Operation),
		"venue":        ev.Venue,
		"token":        ev.Token,
		"amount":       ev.Amount,
		"status":       string(ev.Status),
		"error_code":   ev.ErrorCode,
		"simulated":    ev.Simulated,
		"timestamp":    ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// EncodeEvent serializes ev as a binary protobuf Struct.
func EncodeEvent(ev domain.ExecutionEvent) ([]byte, error) {
	st, err := structpb.NewStruct(fields(ev))
	if err != nil {
		return nil, fmt.Errorf("eventlog: encode %s: %w", ev.OperationID, err)
	}
	return proto.Marshal(st)
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(payload []byte) (domain.ExecutionEvent, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(payload, &st); err != nil {
		return domain.ExecutionEvent{}, fmt.Errorf("eventlog: decode: %w", err)
	}
	m := st.AsMap()
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	ev := domain.ExecutionEvent{
		Type:        str("type"),
		OperationID: str("operation_id"),
		Operation:   domain.Operation(str("operation")),
		Venue:       str("venue"),
		Token:       str("token"),
		Status:      domain.HandshakeStatus(str("status")),
		ErrorCode:   str("error_code"),
	}
	ev.Amount, _ = m["amount"].(float64)
	ev.Simulated, _ = m["simulated"].(bool)
	if ts := str("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return domain.ExecutionEvent{}, fmt.Errorf("eventlog: decode timestamp: %w", err)
		}
		ev.Timestamp = t
	}
	return ev, nil
}
