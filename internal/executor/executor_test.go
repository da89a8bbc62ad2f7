package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRouter struct {
	mu      sync.Mutex
	routed  []string
	groups  [][]string
	batches [][]string
	script  map[string][]domain.Handshake
}

func (f *fakeRouter) Route(_ context.Context, o domain.Order) domain.Handshake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, o.OperationID)
	if q := f.script[o.OperationID]; len(q) > 0 {
		h := q[0]
		f.script[o.OperationID] = q[1:]
		return h
	}
	return domain.Confirmed(o, nil, time.Time{}, time.Time{}, true)
}

func ids(orders []domain.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.OperationID
	}
	return out
}

func (f *fakeRouter) RouteGroup(_ context.Context, orders []domain.Order) []domain.Handshake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, ids(orders))
	out := make([]domain.Handshake, len(orders))
	for i, o := range orders {
		out[i] = domain.Confirmed(o, nil, time.Time{}, time.Time{}, true)
	}
	return out
}

func (f *fakeRouter) RouteBatch(_ context.Context, orders []domain.Order) []domain.Handshake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, ids(orders))
	out := make([]domain.Handshake, len(orders))
	for i, o := range orders {
		out[i] = domain.Confirmed(o, nil, time.Time{}, time.Time{}, true)
	}
	return out
}

type collector struct {
	mu  sync.Mutex
	got []domain.Handshake
}

func (c *collector) handle(_ context.Context, h domain.Handshake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, h)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func order(id string) domain.Order {
	return domain.Order{OperationID: id, Operation: domain.OpSpotTrade, Venue: "binance", TargetToken: "BTC", Side: domain.OrderSideBuy, Amount: 1}
}

func groupLeg(id, group string, seq, size int) domain.Order {
	o := order(id)
	o.Metadata = map[string]any{MetaGroupID: group, MetaGroupSeq: float64(seq), MetaGroupSize: float64(size)}
	return o
}

func TestDedupWindow(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Equal(t, 0, d.Len())
	assert.False(t, d.IsDuplicate("a"))

	d.Forget("a")
	assert.False(t, d.IsDuplicate("a"))
}

func TestProcessSkipsDuplicates(t *testing.T) {
	r := &fakeRouter{}
	e := NewExecutor(nil, r, discard())
	c := &collector{}
	e.OnResult(c.handle)

	e.process(context.Background(), order("op-1"))
	e.process(context.Background(), order("op-1"))
	e.process(context.Background(), order("op-2"))

	assert.Equal(t, []string{"op-1", "op-2"}, r.routed)
	assert.Equal(t, 2, c.len())
}

func TestGroupRoutedInSequence(t *testing.T) {
	r := &fakeRouter{}
	e := NewExecutor(nil, r, discard())
	c := &collector{}
	e.OnResult(c.handle)

	e.process(context.Background(), groupLeg("leg-b", "g1", 1, 2))
	assert.Equal(t, 1, e.Pending())
	assert.Empty(t, r.groups)

	e.process(context.Background(), groupLeg("leg-a", "g1", 0, 2))
	assert.Equal(t, 0, e.Pending())
	require.Len(t, r.groups, 1)
	assert.Equal(t, []string{"leg-a", "leg-b"}, r.groups[0])
	assert.Empty(t, r.routed)
	assert.Equal(t, 2, c.len())
}

func TestIncompleteGroupReportedFailed(t *testing.T) {
	r := &fakeRouter{}
	e := NewExecutor(nil, r, discard())
	e.SetGroupTimeout(10 * time.Millisecond)
	c := &collector{}
	e.OnResult(c.handle)

	e.process(context.Background(), groupLeg("leg-a", "g2", 0, 3))
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	h := c.got[0]
	c.mu.Unlock()
	assert.Equal(t, domain.StatusFailed, h.Status)
	assert.Equal(t, CodeGroupIncomplete, h.ErrorCode)
	assert.Equal(t, "leg-a", h.OperationID)
	assert.Empty(t, r.groups)
}

func TestRetryableFailureRetried(t *testing.T) {
	o := order("op-r")
	fail := domain.Failed(o, "CEX_BINANCE_TIMEOUT", "timeout", time.Time{}, false)
	fail.Retryable = true
	r := &fakeRouter{script: map[string][]domain.Handshake{"op-r": {fail}}}
	e := NewExecutor(nil, r, discard())
	e.SetRetry(2, time.Millisecond)

	h := e.routeWithRetry(context.Background(), o, discard())
	assert.Equal(t, domain.StatusConfirmed, h.Status)
	assert.Equal(t, []string{"op-r", "op-r"}, r.routed)
}

func TestNonRetryableFailureNotRetried(t *testing.T) {
	o := order("op-n")
	r := &fakeRouter{script: map[string][]domain.Handshake{"op-n": {
		domain.Failed(o, "CEX_BINANCE_REJECTED", "no", time.Time{}, false),
	}}}
	e := NewExecutor(nil, r, discard())
	e.SetRetry(3, time.Millisecond)

	h := e.routeWithRetry(context.Background(), o, discard())
	assert.Equal(t, domain.StatusFailed, h.Status)
	assert.Len(t, r.routed, 1)
}

func TestSubmit(t *testing.T) {
	r := &fakeRouter{}
	e := NewExecutor(nil, r, discard())
	ctx := context.Background()

	out, err := e.Submit(ctx, []domain.Order{order("s-1")}, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"s-1"}, r.routed)

	_, err = e.Submit(ctx, []domain.Order{order("s-2"), order("s-3")}, true)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"s-2", "s-3"}}, r.groups)

	_, err = e.Submit(ctx, []domain.Order{order("s-4"), order("s-5")}, false)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"s-4", "s-5"}}, r.batches)

	_, err = e.Submit(ctx, []domain.Order{order("s-6"), order("s-1")}, true)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	_, err = e.Submit(ctx, []domain.Order{order("s-6")}, false)
	assert.NoError(t, err, "earlier ids of a rejected submission are released")

	_, err = e.Submit(ctx, nil, false)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	ch := make(chan domain.Order, 2)
	ch <- order("c-1")
	ch <- order("c-2")
	close(ch)
	r := &fakeRouter{}
	e := NewExecutor(ch, r, discard())

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, []string{"c-1", "c-2"}, r.routed)
}

func TestDecodeOrders(t *testing.T) {
	one, err := DecodeOrders([]byte(`{"operation_id":"x","operation":"spot_trade","venue":"binance","amount":1}`))
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "x", one[0].OperationID)

	many, err := DecodeOrders([]byte(` [{"operation_id":"a"},{"operation_id":"b"}]`))
	require.NoError(t, err)
	assert.Len(t, many, 2)

	_, err = DecodeOrders([]byte(`  `))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = DecodeOrders([]byte(`{nope`))
	assert.Error(t, err)
}

type chanBus struct {
	ch        chan []byte
	published map[string][][]byte
	mu        sync.Mutex
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string][][]byte{}
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	if b.ch == nil {
		return nil, errors.New("closed")
	}
	return b.ch, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestSubscribeDecodesAndSkipsGarbage(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 3)}
	bus.ch <- []byte(`{"operation_id":"a"}`)
	bus.ch <- []byte(`garbage`)
	bus.ch <- []byte(`[{"operation_id":"b"},{"operation_id":"c"}]`)
	close(bus.ch)

	out, err := Subscribe(context.Background(), bus, "", discard())
	require.NoError(t, err)
	var got []string
	for o := range out {
		got = append(got, o.OperationID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	_, err = Subscribe(context.Background(), &chanBus{}, "", discard())
	assert.Error(t, err)
}

func TestPublisher(t *testing.T) {
	bus := &chanBus{}
	Publisher(bus, discard())(context.Background(), domain.Confirmed(order("p-1"), nil, time.Time{}, time.Time{}, true))
	require.Len(t, bus.published[HandshakesChannel], 1)
	assert.Contains(t, string(bus.published[HandshakesChannel][0]), `"operation_id":"p-1"`)
}
