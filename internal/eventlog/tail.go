package eventlog

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Entry is one decoded event with its stream cursor.
type Entry struct {
	ID    string                `json:"id"`
	Event domain.ExecutionEvent `json:"event"`
}

// Reader pages through an event stream written by StreamSink.
type Reader struct {
	bus    domain.SignalBus
	stream string
}

// NewReader creates a Reader on stream, DefaultStream when empty.
func NewReader(bus domain.SignalBus, stream string) *Reader {
	if stream == "" {
		stream = DefaultStream
	}
	return &Reader{bus: bus, stream: stream}
}

// Tail returns up to limit events after the cursor and the cursor to resume
// from. Undecodable entries are skipped but still advance the cursor.
func (r *Reader) Tail(ctx context.Context, after string, limit int) ([]Entry, string, error) {
	msgs, err := r.bus.StreamRead(ctx, r.stream, after, limit)
	if err != nil {
		return nil, after, fmt.Errorf("eventlog: tail %s: %w", r.stream, err)
	}
	next := after
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		next = m.ID
		ev, err := DecodeEvent(m.Payload)
		if err != nil {
			continue
		}
		out = append(out, Entry{ID: m.ID, Event: ev})
	}
	return out, next, nil
}
