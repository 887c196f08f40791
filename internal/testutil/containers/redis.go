//go:build integration

// Package containers starts throwaway backing services for integration tests.
package containers

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

type Redis struct {
	Container *tcredis.RedisContainer
	Client    *redis.Client
}

// NewRedis starts a Redis container that lives until the test ends.
func NewRedis(t *testing.T) *Redis {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return &Redis{Container: container, Client: client}
}

// NewClient opens another connection to the same server, like a second node would.
func (r *Redis) NewClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(r.Client.Options())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func (r *Redis) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}
