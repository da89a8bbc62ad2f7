package executor

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Metadata keys that mark an order as one leg of an atomic group.
const (
	MetaGroupID   = "group_id"
	MetaGroupSize = "group_size"
	MetaGroupSeq  = "group_seq"
)

// pendingGroup holds legs that share a group id until all have arrived.
type pendingGroup struct {
	id        string
	legs      []domain.Order
	expected  int
	firstSeen time.Time
	timer     *time.Timer
}

// GroupAccumulator buffers grouped orders and hands the complete group, in
// group_seq order, to onComplete. A group that does not fill within maxGap is
// discarded without routing any leg.
type GroupAccumulator struct {
	mu         sync.Mutex
	groups     map[string]*pendingGroup
	maxGap     time.Duration
	onComplete func(ctx context.Context, legs []domain.Order)
	onExpire   func(id string, legs []domain.Order, expected int)
	logger     *slog.Logger
}

// NewGroupAccumulator creates an accumulator.
func NewGroupAccumulator(maxGap time.Duration, onComplete func(ctx context.Context, legs []domain.Order), logger *slog.Logger) *GroupAccumulator {
	return &GroupAccumulator{
		groups:     make(map[string]*pendingGroup),
		maxGap:     maxGap,
		onComplete: onComplete,
		logger:     logger.With(slog.String("component", "group_accumulator")),
	}
}

// GroupOf returns the group id and declared size of o, if it belongs to one.
func GroupOf(o domain.Order) (string, int, bool) {
	id, _ := o.Metadata[MetaGroupID].(string)
	if id == "" {
		return "", 0, false
	}
	return id, intMeta(o.Metadata[MetaGroupSize], 1), true
}

func intMeta(v any, dflt int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return dflt
}

// Add buffers o. It returns false when o is not part of a group.
func (a *GroupAccumulator) Add(ctx context.Context, o domain.Order) bool {
	id, expected, ok := GroupOf(o)
	if !ok {
		return false
	}
	if expected < 1 {
		expected = 1
	}

	a.mu.Lock()
	g, exists := a.groups[id]
	if !exists {
		g = &pendingGroup{id: id, expected: expected, firstSeen: time.Now().UTC()}
		g.timer = time.AfterFunc(a.maxGap, func() { a.expire(id) })
		a.groups[id] = g
	}
	g.legs = append(g.legs, o)
	if len(g.legs) < g.expected {
		a.mu.Unlock()
		return true
	}
	g.timer.Stop()
	delete(a.groups, id)
	a.mu.Unlock()

	legs := sortLegs(g.legs)
	a.logger.Debug("group complete", slog.String("group_id", id), slog.Int("legs", len(legs)))
	a.onComplete(ctx, legs)
	return true
}

func (a *GroupAccumulator) expire(id string) {
	a.mu.Lock()
	g, ok := a.groups[id]
	if ok {
		delete(a.groups, id)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.logger.Warn("group timed out, discarding",
		slog.String("group_id", id),
		slog.Int("received", len(g.legs)),
		slog.Int("expected", g.expected),
	)
	if a.onExpire != nil {
		a.onExpire(id, sortLegs(g.legs), g.expected)
	}
}

// Pending returns the number of incomplete groups.
func (a *GroupAccumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// sortLegs orders legs by group_seq, keeping arrival order for ties.
func sortLegs(legs []domain.Order) []domain.Order {
	out := slices.Clone(legs)
	slices.SortStableFunc(out, func(a, b domain.Order) int {
		return cmp.Compare(intMeta(a.Metadata[MetaGroupSeq], 0), intMeta(b.Metadata[MetaGroupSeq], 0))
	})
	return out
}
