package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/binhtrongg/python-sandbox/internal/model"
	"github.com/binhtrongg/python-sandbox/internal/repository"
)

// HistoryReader is the slice of the service the history endpoints need.
type HistoryReader interface {
	GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error)
	ListExecutions(ctx context.Context, opts repository.ListOptions) ([]model.ExecutionRecord, error)
}

type ExecutionsHandler struct {
	svc    HistoryReader
	logger *slog.Logger
}

func NewExecutionsHandler(svc HistoryReader, logger *slog.Logger) *ExecutionsHandler {
	return &ExecutionsHandler{svc: svc, logger: logger}
}

// HandleList returns recent execution history, newest first.
func (h *ExecutionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	opts := repository.ListOptions{
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	records, err := h.svc.ListExecutions(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list executions", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleGetByID returns one execution history row.
func (h *ExecutionsHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.svc.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// queryInt parses an integer query parameter, zero when absent or invalid.
func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}
