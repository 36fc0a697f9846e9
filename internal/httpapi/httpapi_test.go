package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/chunkmaster/internal/audit"
	"github.com/jaywantadh/chunkmaster/internal/events"
	"github.com/jaywantadh/chunkmaster/internal/liveness"
	"github.com/jaywantadh/chunkmaster/internal/orchestrator"
	"github.com/jaywantadh/chunkmaster/internal/placement"
	"github.com/jaywantadh/chunkmaster/internal/registry"
	"github.com/jaywantadh/chunkmaster/internal/store"
)

type noopNodes struct{}

func (noopNodes) DeleteChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int) error {
	return nil
}

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()
	bus := events.NewBus(16)
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	r := registry.New(bus)
	l := liveness.New(bus, time.Minute)
	p := placement.New(l, s, 10, 3, 1)
	a, err := audit.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	orch := orchestrator.New(s, r, l, p, a, noopNodes{}, time.Second)
	return New(orch, 3).Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterThenHeartbeatThenUploadEndToEnd(t *testing.T) {
	h := newTestAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/register", map[string]string{"url": "http://n1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/heartbeat", map[string]any{
		"id": "n1", "url": "http://n1", "status": "UP", "timestamp": time.Now().UnixMilli(),
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/upload", map[string]any{"fileId": "f1", "size": 25})
	require.Equal(t, http.StatusOK, rec.Code)

	var uploadResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploadResp))
	assert.Equal(t, "ok", uploadResp["status"])

	rec = doJSON(t, h, http.MethodGet, "/metadata?fileId=f1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadRejectsMissingFileID(t *testing.T) {
	h := newTestAPI(t)
	rec := doJSON(t, h, http.MethodPost, "/upload", map[string]any{"size": 25})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMetadataNotFound(t *testing.T) {
	h := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/metadata?fileId=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp["status"])
}

func TestHealthReportsDegradedWithNoNodes(t *testing.T) {
	h := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "DEGRADED", resp["status"])
}

func TestDeleteUnknownFileIs404(t *testing.T) {
	h := newTestAPI(t)
	rec := doJSON(t, h, http.MethodDelete, "/delete?fileId=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
