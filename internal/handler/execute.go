// Package handler holds the HTTP layer: request decoding, response shaping,
// and the mapping from domain errors to status codes.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/binhtrongg/python-sandbox/internal/service"
)

// Executor is the slice of the service the execute endpoint needs.
type Executor interface {
	Execute(ctx context.Context, code string, timeout int) (*service.ExecuteResponse, error)
}

// ExecuteRequest is the submission body. Timeout is in seconds; zero means
// the configured default.
type ExecuteRequest struct {
	Code    string `json:"code"`
	Timeout int    `json:"timeout"`
}

type ExecuteHandler struct {
	svc    Executor
	logger *slog.Logger
}

func NewExecuteHandler(svc Executor, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{svc: svc, logger: logger}
}

// HandleExecute runs one code submission end to end.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "request body must be JSON with a code field",
		})
		return
	}

	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "code cannot be empty",
		})
		return
	}

	result, err := h.svc.Execute(r.Context(), req.Code, req.Timeout)
	if err != nil {
		h.logger.Warn("execution rejected or failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
