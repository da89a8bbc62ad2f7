package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// PositionReader is the read side of the position book.
type PositionReader interface {
	Balances() map[string]float64
	Snapshot(ctx context.Context, ts time.Time) (domain.MarketSnapshot, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionReader
	now       func() time.Time
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler over the position book.
func NewPositionHandler(positions PositionReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		now:       time.Now,
		logger:    logHandler(logger, "positions"),
	}
}

// ListPositions returns every non-zero balance keyed by instrument key.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"balances": h.positions.Balances()})
}

// Snapshot values the book at the current time.
// GET /api/positions/snapshot
func (h *PositionHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.positions.Snapshot(r.Context(), h.now().UTC())
	if err != nil {
		h.logger.WarnContext(r.Context(), "snapshot failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "positions cannot be valued: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
