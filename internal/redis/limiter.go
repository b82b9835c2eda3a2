package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
)

// RateLimiter stores one TTL key per cooldown. Redis expiry evicts them.
type RateLimiter struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewClient opens a Redis connection from configuration and pings it.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		parsed.PoolSize = cfg.PoolSize
		parsed.MinIdleConns = cfg.MinIdleConns
		opts = parsed
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// NewRateLimiter creates a limiter over an open client
func NewRateLimiter(client *redis.Client, prefix string, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Allow sets the key only if absent. When it already exists the remaining TTL
// is the wait.
func (l *RateLimiter) Allow(ctx context.Context, key string, cooldown time.Duration) error {
	k := l.prefix + key

	ok, err := l.client.SetNX(ctx, k, 1, cooldown).Result()
	if err != nil {
		return fmt.Errorf("setting cooldown key: %w", err)
	}
	if ok {
		return nil
	}

	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("reading cooldown ttl: %w", err)
	}
	// -2 means the key expired between the two calls, -1 that it lost its TTL.
	switch {
	case ttl == -2*time.Nanosecond || ttl == -2*time.Millisecond:
		return l.Allow(ctx, key, cooldown)
	case ttl < 0:
		l.logger.Warn("cooldown key without ttl, resetting", "key", k)
		if err := l.client.PExpire(ctx, k, cooldown).Err(); err != nil {
			return fmt.Errorf("resetting cooldown ttl: %w", err)
		}
		ttl = cooldown
	}

	return &domain.RateLimitError{RetryAfter: ttl}
}

// Ping checks the Redis connection
func (l *RateLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
