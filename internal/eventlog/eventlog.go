// Package eventlog is the fire-and-forget EventLogger. Events are queued on a
// bounded channel and fanned out to sinks by one worker; a full queue drops
// the event rather than slowing routing down.
package eventlog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Sink receives every event the worker dequeues.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev domain.ExecutionEvent) error
}

// sinkTimeout bounds one sink write.
const sinkTimeout = 2 * time.Second

// Logger implements domain.EventLogger.
type Logger struct {
	queue   chan domain.ExecutionEvent
	sinks   []Sink
	logger  *slog.Logger
	dropped atomic.Int64
	written atomic.Int64
}

// New creates a Logger with a queue of size buffer.
func New(sinks []Sink, buffer int, logger *slog.Logger) *Logger {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Logger{
		queue:  make(chan domain.ExecutionEvent, buffer),
		sinks:  sinks,
		logger: logger.With(slog.String("component", "eventlog")),
	}
}

// LogEvent enqueues ev without blocking.
func (l *Logger) LogEvent(_ context.Context, ev domain.ExecutionEvent) {
	select {
	case l.queue <- ev:
	default:
		if l.dropped.Add(1)%100 == 1 {
			l.logger.Warn("event queue full, dropping", slog.Int64("dropped", l.dropped.Load()))
		}
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (l *Logger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.flush()
			return ctx.Err()
		case ev := <-l.queue:
			l.write(context.WithoutCancel(ctx), ev)
		}
	}
}

// Flush writes every queued event synchronously. Simulate mode calls it
// instead of running the worker.
func (l *Logger) Flush() { l.flush() }

func (l *Logger) flush() {
	for {
		select {
		case ev := <-l.queue:
			l.write(context.Background(), ev)
		default:
			return
		}
	}
}

func (l *Logger) write(ctx context.Context, ev domain.ExecutionEvent) {
	for _, s := range l.sinks {
		wctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := s.Write(wctx, ev)
		cancel()
		if err != nil {
			l.logger.Warn("event sink failed",
				slog.String("sink", s.Name()),
				slog.String("operation_id", ev.OperationID),
				slog.String("error", err.Error()),
			)
		}
	}
	l.written.Add(1)
}

// Stats returns how many events were written and dropped.
func (l *Logger) Stats() (written, dropped int64) {
	return l.written.Load(), l.dropped.Load()
}

var _ domain.EventLogger = (*Logger)(nil)
