package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"roomsync/internal/config"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis opens the client shared by the Redis feed and the Redis
// presence store. REDIS_PASSWORD overrides a password in the URL.
func ConnectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis_connected", "addr", opts.Addr)
	return client, nil
}
