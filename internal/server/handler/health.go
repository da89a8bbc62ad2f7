package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// RouterStatus is the part of the router the health endpoint polls.
type RouterStatus interface {
	Health() domain.RouterHealth
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	router RouterStatus
	now    func() time.Time
}

// NewHealthHandler creates a HealthHandler over the router's health surface.
func NewHealthHandler(router RouterStatus) *HealthHandler {
	return &HealthHandler{router: router, now: time.Now}
}

// HealthCheck reports the router status with its counters. An unavailable
// router answers 503 so load balancers can take the instance out.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	rh := h.router.Health()
	status := http.StatusOK
	if rh.Status == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":    rh.Status,
		"router":    rh,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}
