package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// VenueCanceler cancels every open order a venue's backends hold.
type VenueCanceler interface {
	CancelAll(ctx context.Context, venue string) []string
}

// VenueHandler serves venue-wide controls.
type VenueHandler struct {
	canceler VenueCanceler
	logger   *slog.Logger
}

// NewVenueHandler creates a VenueHandler.
func NewVenueHandler(canceler VenueCanceler, logger *slog.Logger) *VenueHandler {
	return &VenueHandler{canceler: canceler, logger: logHandler(logger, "venues")}
}

// CancelAll is best effort and idempotent: it always answers 200 with the
// backends that were asked, which is empty for a venue with none.
// POST /api/venues/{venue}/cancel-all
func (h *VenueHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	venue := r.PathValue("venue")
	asked := h.canceler.CancelAll(r.Context(), venue)
	if asked == nil {
		asked = []string{}
	}
	h.logger.InfoContext(r.Context(), "cancel all",
		slog.String("venue", venue),
		slog.Int("backends", len(asked)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"venue":    venue,
		"success":  true,
		"backends": asked,
	})
}
