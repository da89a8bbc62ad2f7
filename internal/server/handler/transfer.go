package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/transfer"
)

// TransferPlanner expands a venue-to-venue move into legs.
type TransferPlanner interface {
	Build(source, target string, amountUSD float64, snap domain.MarketSnapshot, purpose string) (transfer.Plan, error)
}

// TransferHandler plans transfers against the current book and optionally
// submits the legs as one atomic group.
type TransferHandler struct {
	planner   TransferPlanner
	positions PositionReader
	orders    OrderSubmitter
	now       func() time.Time
	logger    *slog.Logger
}

// NewTransferHandler creates a TransferHandler. orders may be nil, in which
// case execute requests are rejected.
func NewTransferHandler(planner TransferPlanner, positions PositionReader, orders OrderSubmitter, logger *slog.Logger) *TransferHandler {
	return &TransferHandler{
		planner:   planner,
		positions: positions,
		orders:    orders,
		now:       time.Now,
		logger:    logHandler(logger, "transfers"),
	}
}

type transferRequest struct {
	OperationID string  `json:"operation_id"`
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	AmountUSD   float64 `json:"amount_usd"`
	Purpose     string  `json:"purpose"`
	Execute     bool    `json:"execute"`
}

type transferResponse struct {
	OperationID string             `json:"operation_id"`
	Plan        transfer.Plan      `json:"plan"`
	Handshakes  []domain.Handshake `json:"handshakes,omitempty"`
}

// Plan builds a transfer plan. Safety violations answer 422 with the check
// that failed; nothing is executed in that case.
// POST /api/transfers
func (h *TransferHandler) Plan(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Source == "" || req.Target == "" || req.AmountUSD <= 0 {
		writeError(w, http.StatusBadRequest, "source, target and a positive amount_usd are required")
		return
	}
	if req.Execute && h.orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order execution not configured")
		return
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}

	now := h.now().UTC()
	snap, err := h.positions.Snapshot(r.Context(), now)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "positions cannot be valued: "+err.Error())
		return
	}

	plan, err := h.planner.Build(req.Source, req.Target, req.AmountUSD, snap, req.Purpose)
	var safety *transfer.SafetyError
	switch {
	case errors.As(err, &safety):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": safety.Error(),
			"check": safety.Check,
			"venue": safety.Venue,
			"limit": safety.Limit,
			"value": safety.Value,
		})
		return
	case errors.Is(err, domain.ErrNoRoute), errors.Is(err, domain.ErrMissingMarketData):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "plan transfer failed",
			slog.String("source", req.Source),
			slog.String("target", req.Target),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to plan transfer")
		return
	}

	resp := transferResponse{OperationID: req.OperationID, Plan: plan}
	if req.Execute {
		parent := domain.Order{
			OperationID: req.OperationID,
			Operation:   domain.OpTransfer,
			Venue:       req.Source,
			SourceVenue: req.Source,
			TargetVenue: req.Target,
			Amount:      req.AmountUSD,
			Timestamp:   now,
		}
		legs, err := transfer.LegOrders(parent, plan.Legs, now)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out, err := h.orders.Submit(r.Context(), legs, true)
		if errors.Is(err, domain.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to submit transfer legs")
			return
		}
		resp.Handshakes = out
		h.logger.InfoContext(r.Context(), "transfer submitted",
			slog.String("operation_id", req.OperationID),
			slog.Int("legs", len(legs)),
		)
	}
	writeJSON(w, http.StatusOK, resp)
}
