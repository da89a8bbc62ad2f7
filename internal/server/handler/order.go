package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// OrderSubmitter routes orders synchronously and returns one handshake per
// order, in submission order.
type OrderSubmitter interface {
	Submit(ctx context.Context, orders []domain.Order, atomic bool) ([]domain.Handshake, error)
}

// OrderHandler serves order submission.
type OrderHandler struct {
	orders OrderSubmitter
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given submitter and logger.
func NewOrderHandler(orders OrderSubmitter, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logHandler(logger, "orders"),
	}
}

// submitRequest is the body of POST /api/orders. Atomic groups execute in
// order and roll back on the first failed leg.
type submitRequest struct {
	Orders []domain.Order `json:"orders"`
	Atomic bool           `json:"atomic"`
}

type submitResponse struct {
	Handshakes []domain.Handshake `json:"handshakes"`
}

// SubmitOrders routes the posted orders and returns their handshakes. A
// FAILED handshake is still a 200: the failure is the routing result.
// POST /api/orders
func (h *OrderHandler) SubmitOrders(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Orders) == 0 {
		writeError(w, http.StatusBadRequest, "at least one order is required")
		return
	}
	for _, o := range req.Orders {
		if strings.TrimSpace(o.OperationID) == "" {
			writeError(w, http.StatusBadRequest, "operation_id is required on every order")
			return
		}
	}

	out, err := h.orders.Submit(r.Context(), req.Orders, req.Atomic)
	switch {
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, domain.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "submit orders failed",
			slog.Int("orders", len(req.Orders)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to submit orders")
		return
	}

	h.logger.InfoContext(r.Context(), "orders submitted",
		slog.Int("orders", len(req.Orders)),
		slog.Bool("atomic", req.Atomic),
	)
	writeJSON(w, http.StatusOK, submitResponse{Handshakes: out})
}
