package db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
)

// NewRedisClient parses redisURL and verifies connectivity. An empty URL
// returns a nil client: events and the stats cache are then disabled.
func NewRedisClient(ctx context.Context, redisURL string, log logger.Logger) (*redis.Client, error) {
	if redisURL == "" {
		log.Info("Redis not configured, events disabled")
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info("Redis connected", logger.String("addr", opts.Addr), logger.Int("db", opts.DB))
	return client, nil
}
