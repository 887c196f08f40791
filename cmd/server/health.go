package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go-chat-core/internal/db"
	"go-chat-core/internal/presence"

	"github.com/redis/go-redis/v9"
)

// pinger is satisfied by *db.Database and by the Redis status check below.
type pinger interface {
	Health(ctx context.Context) error
}

type redisPing func(ctx context.Context) error

func (f redisPing) Health(ctx context.Context) error { return f(ctx) }

type healthResponse struct {
	Status      string            `json:"status"`
	Connections int               `json:"connections"`
	Checks      map[string]string `json:"checks,omitempty"`
}

func healthHandler(registry *presence.Registry, database *db.Database, client *redis.Client) http.HandlerFunc {
	deps := map[string]pinger{}
	if database != nil {
		deps["postgres"] = database
	}
	if client != nil {
		deps["redis"] = redisPing(func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}
	return newHealthHandler(registry, deps)
}

func newHealthHandler(registry *presence.Registry, deps map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Connections: registry.Count(), Checks: map[string]string{}}
		code := http.StatusOK
		for name, dep := range deps {
			if err := dep.Health(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
