package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/academy/internal/logger"
	redisstorage "github.com/academy/internal/storage/redis"
)

// ConnectRedisWithRetry подключает ленту изменений и лимитер поверх Redis.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := retry(ctx, "redis connect", maxWait, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(pingCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err == nil {
		logger.Info("redis connected")
	}
	return client, err
}

// RedisClientWithRetry — голый клиент go-redis для сервисов, которым не нужна лента изменений (push).
func RedisClientWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	err = retry(ctx, "redis connect", maxWait, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	logger.Info("redis connected")
	return rdb, nil
}
