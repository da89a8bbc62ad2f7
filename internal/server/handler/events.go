package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/venuerouter/internal/eventlog"
)

// EventTail pages through the durable execution event stream.
type EventTail interface {
	Tail(ctx context.Context, after string, limit int) ([]eventlog.Entry, string, error)
}

// EventHandler exposes the execution event stream for catch-up reads.
type EventHandler struct {
	events EventTail
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventTail, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logHandler(logger, "events")}
}

// List returns events after the cursor plus the cursor for the next page.
// GET /api/events?after=<id>&limit=100
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := positiveInt(r, "limit", 100, maxPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	after := r.URL.Query().Get("after")
	entries, next, err := h.events.Tail(r.Context(), after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "tail events failed",
			slog.String("after", after),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "event stream unavailable")
		return
	}
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "next": next})
}
