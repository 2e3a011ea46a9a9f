package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is satisfied by anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Redis wraps the shared go-redis client. The GPU allocator and the leader
// lease both run their scripts on it.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis from a redis:// URL. It does not dial until the
// first command.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying client to packages that run their own commands.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
