package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memSink struct {
	mu     sync.Mutex
	events []domain.ExecutionEvent
	err    error
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Write(_ context.Context, ev domain.ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type memBus struct {
	streams map[string][][]byte
}

func (b *memBus) Publish(context.Context, string, []byte) error { return nil }
func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}
func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if b.streams == nil {
		b.streams = map[string][][]byte{}
	}
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

// StreamRead numbers entries "1-0", "2-0", ... in append order.
func (b *memBus) StreamRead(_ context.Context, stream, after string, count int) ([]domain.StreamMessage, error) {
	start := 0
	if after != "" {
		n, err := strconv.Atoi(strings.TrimSuffix(after, "-0"))
		if err != nil {
			return nil, err
		}
		start = n
	}
	var out []domain.StreamMessage
	for i := start; i < len(b.streams[stream]) && len(out) < count; i++ {
		out = append(out, domain.StreamMessage{ID: fmt.Sprintf("%d-0", i+1), Payload: b.streams[stream][i]})
	}
	return out, nil
}

type memAudit struct {
	events  []string
	details []map[string]any
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.details = append(a.details, detail)
	return nil
}
func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func sampleEvent(id string) domain.ExecutionEvent {
	return domain.ExecutionEvent{
		Type:        "route",
		OperationID: id,
		Operation:   domain.OpSpotTrade,
		Venue:       "binance",
		Token:       "BTC",
		Amount:      0.5,
		Status:      domain.StatusConfirmed,
		Simulated:   true,
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLogEventDropsWhenFull(t *testing.T) {
	sink := &memSink{}
	l := New([]Sink{sink}, 2, testLogger())

	for i := 0; i < 5; i++ {
		l.LogEvent(context.Background(), sampleEvent("op"))
	}
	l.Flush()

	written, dropped := l.Stats()
	assert.Equal(t, int64(2), written)
	assert.Equal(t, int64(3), dropped)
	assert.Equal(t, 2, sink.len())
}

func TestRunDrainsAndSurvivesSinkErrors(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	l := New([]Sink{bad, good}, 16, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	for i := 0; i < 3; i++ {
		l.LogEvent(ctx, sampleEvent("op"))
	}
	require.Eventually(t, func() bool { return good.len() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 3, bad.len())
}

func TestStreamSinkRoundTrip(t *testing.T) {
	bus := &memBus{}
	sink := NewStreamSink(bus, "")
	ev := sampleEvent("op-1")
	ev.ErrorCode = "CEX_BINANCE_TIMEOUT"

	require.NoError(t, sink.Write(context.Background(), ev))
	require.Len(t, bus.streams[DefaultStream], 1)

	got, err := DecodeEvent(bus.streams[DefaultStream][0])
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestReaderTailPagesAndSkipsGarbage(t *testing.T) {
	bus := &memBus{}
	sink := NewStreamSink(bus, "")
	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, sampleEvent("op-1")))
	require.NoError(t, bus.StreamAppend(ctx, DefaultStream, []byte{0xff, 0xff}))
	require.NoError(t, sink.Write(ctx, sampleEvent("op-3")))

	r := NewReader(bus, "")
	page, next, err := r.Tail(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "op-1", page[0].Event.OperationID)
	assert.Equal(t, "2-0", next, "garbage entries still advance the cursor")

	page, next, err = r.Tail(ctx, next, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "op-3", page[0].Event.OperationID)
	assert.Equal(t, "3-0", next)

	page, same, err := r.Tail(ctx, next, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, next, same)
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestAuditSink(t *testing.T) {
	audit := &memAudit{}
	require.NoError(t, NewAuditSink(audit).Write(context.Background(), sampleEvent("op-2")))

	require.Equal(t, []string{"execution.route"}, audit.events)
	assert.Equal(t, "op-2", audit.details[0]["operation_id"])
	assert.Equal(t, "CONFIRMED", audit.details[0]["status"])
}

func TestSlogSink(t *testing.T) {
	assert.NoError(t, NewSlogSink(testLogger()).Write(context.Background(), sampleEvent("op-3")))
}
