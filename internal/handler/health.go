package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/binhtrongg/python-sandbox/internal/service"
)

// HealthChecker is the slice of the service the health endpoint needs.
type HealthChecker interface {
	Health(ctx context.Context) *service.HealthStatus
}

type HealthHandler struct {
	svc    HealthChecker
	logger *slog.Logger
}

func NewHealthHandler(svc HealthChecker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{svc: svc, logger: logger}
}

// HandleHealth reports backend and storage health. 503 when no backend can
// take a request, so load balancers drain the instance.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.svc.Health(r.Context())

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
