package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/conveyor/internal/store"
)

type testPinger struct {
	err error
}

func (p testPinger) Ping(context.Context) error { return p.err }

func serveHealth(t *testing.T, h http.HandlerFunc) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealthHandler_AllOK(t *testing.T) {
	st, err := store.NewMemoryStore()
	require.NoError(t, err)

	code, body := serveHealth(t, NewHealthHandler(st, testPinger{}))

	assert.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["store"])
	assert.Equal(t, "ok", services["redis"])
}

func TestHealthHandler_WithoutRedis(t *testing.T) {
	st, err := store.NewMemoryStore()
	require.NoError(t, err)

	code, body := serveHealth(t, NewHealthHandler(st, nil))

	assert.Equal(t, http.StatusOK, code)
	services := body["data"].(map[string]any)["services"].(map[string]any)
	assert.NotContains(t, services, "redis")
}

func TestHealthHandler_RedisDegraded(t *testing.T) {
	st, err := store.NewMemoryStore()
	require.NoError(t, err)

	code, body := serveHealth(t, NewHealthHandler(st, testPinger{err: errors.New("redis down")}))

	assert.Equal(t, http.StatusServiceUnavailable, code)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	assert.Equal(t, "degraded", errObj["details"].(map[string]any)["redis"])
}
