package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process mode and uptime.
type StatusHandler struct {
	Mode      string
	StartedAt time.Time
	// Pending, when set, reports atomic groups still waiting for legs.
	Pending func() int
}

// NewStatusHandler creates a StatusHandler for the given mode.
func NewStatusHandler(mode string, startedAt time.Time, pending func() int) *StatusHandler {
	return &StatusHandler{Mode: mode, StartedAt: startedAt, Pending: pending}
}

// GetStatus responds with the current mode, uptime and pending groups.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.Mode,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	}
	if h.Pending != nil {
		resp["pending_groups"] = h.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}
