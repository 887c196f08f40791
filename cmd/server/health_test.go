package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-chat-core/internal/presence"

	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	registry := presence.NewRegistry(4)

	t.Run("healthy", func(t *testing.T) {
		h := newHealthHandler(registry, map[string]pinger{
			"redis": redisPing(func(context.Context) error { return nil }),
		})
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body healthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, "ok", body.Status)
		require.Equal(t, "ok", body.Checks["redis"])
	})

	t.Run("dependency down", func(t *testing.T) {
		h := newHealthHandler(registry, map[string]pinger{
			"postgres": redisPing(func(context.Context) error { return errors.New("connection refused") }),
		})
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body healthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, "degraded", body.Status)
		require.Equal(t, "connection refused", body.Checks["postgres"])
	})
}
