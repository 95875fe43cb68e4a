package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/binhtrongg/python-sandbox/internal/storage"
)

// FilesHandler serves files the local storage provider saved, gated on the
// signed expiry the provider put in each temporary URL.
type FilesHandler struct {
	provider *storage.LocalProvider
	logger   *slog.Logger
}

func NewFilesHandler(provider *storage.LocalProvider, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{provider: provider, logger: logger}
}

// HandleGet serves one extracted file if the URL signature checks out.
func (h *FilesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "execution") + "/" + chi.URLParam(r, "filename")

	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid expiry", http.StatusBadRequest)
		return
	}
	sig := r.URL.Query().Get("sig")

	if !h.provider.VerifyURL(ref, expires, sig) {
		http.Error(w, "invalid or expired link", http.StatusForbidden)
		return
	}

	path, err := h.provider.Open(ref)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}
