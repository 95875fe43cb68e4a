package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binhtrongg/python-sandbox/internal/storage"
)

func newFilesRouter(t *testing.T) (http.Handler, *storage.LocalProvider) {
	t.Helper()

	provider, err := storage.NewLocalProvider(t.TempDir(), "http://localhost/files", []byte("secret"))
	require.NoError(t, err)

	h := NewFilesHandler(provider, testLogger())
	r := chi.NewRouter()
	r.Get("/files/{execution}/{filename}", h.HandleGet)
	return r, provider
}

func TestHandleGetServesSignedFile(t *testing.T) {
	router, provider := newFilesRouter(t)
	ctx := context.Background()

	ref, err := provider.Save(ctx, []byte("contents"), "out.txt", "exec-1", nil)
	require.NoError(t, err)
	signed, err := provider.TemporaryURL(ctx, ref, 300)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, u.Path+"?"+u.RawQuery, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "contents", rec.Body.String())
}

func TestHandleGetRejectsForgedSignature(t *testing.T) {
	router, provider := newFilesRouter(t)
	ctx := context.Background()

	_, err := provider.Save(ctx, []byte("contents"), "out.txt", "exec-1", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/files/exec-1/out.txt?expires=%d&sig=forged", 1<<40), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleGetMissingExpiry(t *testing.T) {
	router, _ := newFilesRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/files/exec-1/out.txt", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
