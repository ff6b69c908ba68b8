package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/getmetamapper/metamapper-engine/pkg/config"
	"github.com/getmetamapper/metamapper-engine/pkg/retry"
)

// NewRedisClient creates a Redis client for run progress heartbeats.
// Returns nil if Redis is not configured (addr is empty); callers treat a
// nil client as heartbeats disabled.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := retry.Do(ctx, nil, func() error { return client.Ping(ctx).Err() }); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
