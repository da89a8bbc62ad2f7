package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// RoutingLedger is the read side of the router used by the routing endpoints.
type RoutingLedger interface {
	Health() domain.RouterHealth
	History(limit int) []domain.RoutingRecord
}

// RoutingHandler serves routing statistics, the in-memory routing history
// and persisted handshakes. The store is optional.
type RoutingHandler struct {
	ledger RoutingLedger
	store  domain.HandshakeStore
	now    func() time.Time
	logger *slog.Logger
}

// NewRoutingHandler creates a RoutingHandler. store may be nil when Postgres
// is not configured.
func NewRoutingHandler(ledger RoutingLedger, store domain.HandshakeStore, logger *slog.Logger) *RoutingHandler {
	return &RoutingHandler{
		ledger: ledger,
		store:  store,
		now:    time.Now,
		logger: logHandler(logger, "routing"),
	}
}

type statsResponse struct {
	Router   domain.RouterHealth              `json:"router"`
	Since    *time.Time                       `json:"since,omitempty"`
	ByStatus map[domain.HandshakeStatus]int64 `json:"by_status,omitempty"`
}

// Stats returns the router counters and, when persistence is wired, the
// stored handshake counts by status over the lookback window.
// GET /api/routing/stats?window=24h
func (h *RoutingHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Router: h.ledger.Health()}
	if h.store != nil {
		window := 24 * time.Hour
		if v := r.URL.Query().Get("window"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "window must be a positive duration")
				return
			}
			window = d
		}
		since := h.now().UTC().Add(-window)
		counts, err := h.store.CountByStatus(r.Context(), since)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "count handshakes failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to count handshakes")
			return
		}
		resp.Since = &since
		resp.ByStatus = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

// History returns the most recent routing records, newest last.
// GET /api/routing/history?limit=100
func (h *RoutingHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := positiveInt(r, "limit", 100, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records := h.ledger.History(limit)
	if records == nil {
		records = []domain.RoutingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// ListHandshakes pages through persisted handshakes.
// GET /api/handshakes?limit=50&offset=0
func (h *RoutingHandler) ListHandshakes(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "handshake store not configured")
		return
	}
	list, err := h.store.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list handshakes failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list handshakes")
		return
	}
	if list == nil {
		list = []domain.Handshake{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"handshakes": list})
}

// GetHandshake returns the persisted handshake for one operation.
// GET /api/handshakes/{id}
func (h *RoutingHandler) GetHandshake(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "handshake store not configured")
		return
	}
	id := r.PathValue("id")
	hs, err := h.store.GetByOperationID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "handshake not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get handshake failed",
			slog.String("operation_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get handshake")
		return
	}
	writeJSON(w, http.StatusOK, hs)
}
