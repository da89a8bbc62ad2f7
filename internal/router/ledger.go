package router

import (
	"sync"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// defaultHistoryLimit bounds the in-memory routing history. Older records are
// dropped once archived or when the limit is hit.
const defaultHistoryLimit = 10_000

// Ledger holds the routing counters and the append-only routing history. Only
// the Router writes to it.
type Ledger struct {
	mu        sync.Mutex
	routed    int64
	succeeded int64
	failed    int64
	history   []domain.RoutingRecord
	dropped   int
	limit     int
}

func newLedger(limit int) *Ledger {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Ledger{limit: limit}
}

// record counts one routed order. FAILED counts as failed; every other
// status counts as succeeded, so succeeded + failed == routed always holds.
func (l *Ledger) record(rec domain.RoutingRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routed++
	if rec.Result == domain.StatusFailed {
		l.failed++
	} else {
		l.succeeded++
	}
	l.history = append(l.history, rec)
	if over := len(l.history) - l.limit; over > 0 {
		l.history = append(l.history[:0:0], l.history[over:]...)
		l.dropped += over
	}
}

// Counts returns routed, succeeded and failed.
func (l *Ledger) Counts() (routed, succeeded, failed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.routed, l.succeeded, l.failed
}

// Recent returns up to n of the newest records, oldest first.
func (l *Ledger) Recent(n int) []domain.RoutingRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.history) {
		n = len(l.history)
	}
	out := make([]domain.RoutingRecord, n)
	copy(out, l.history[len(l.history)-n:])
	return out
}

// Since returns every retained record with sequence number >= seq and the
// sequence number to pass next time. Sequence numbers count every record
// ever appended.
func (l *Ledger) Since(seq int) ([]domain.RoutingRecord, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.dropped + len(l.history)
	start := seq - l.dropped
	if start < 0 {
		start = 0
	}
	if start >= len(l.history) {
		return nil, next
	}
	out := make([]domain.RoutingRecord, len(l.history)-start)
	copy(out, l.history[start:])
	return out, next
}
