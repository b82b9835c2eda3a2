package redis_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
	"github.com/stv-board/internal/redis"
)

func newLimiter(t *testing.T) (*redis.RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return redis.NewRateLimiter(client, "test:", slog.New(slog.NewTextHandler(io.Discard, nil))), server
}

func TestRateLimiterCooldown(t *testing.T) {
	limiter, server := newLimiter(t)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "ticket:create:1.2.3.4", 5*time.Minute))
	require.True(t, server.Exists("test:ticket:create:1.2.3.4"))

	server.FastForward(time.Minute)
	err := limiter.Allow(ctx, "ticket:create:1.2.3.4", 5*time.Minute)
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var rlErr *domain.RateLimitError
	require.True(t, errors.As(err, &rlErr))
	require.Equal(t, 4*time.Minute, rlErr.RetryAfter)

	require.NoError(t, limiter.Allow(ctx, "ticket:create:5.6.7.8", 5*time.Minute))

	server.FastForward(4 * time.Minute)
	require.NoError(t, limiter.Allow(ctx, "ticket:create:1.2.3.4", 5*time.Minute))
}

func TestRateLimiterKeyWithoutTTL(t *testing.T) {
	limiter, server := newLimiter(t)
	ctx := context.Background()

	require.NoError(t, server.Set("test:login:1.2.3.4", "1"))

	err := limiter.Allow(ctx, "login:1.2.3.4", 2*time.Second)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	require.Equal(t, 2*time.Second, server.TTL("test:login:1.2.3.4"))
}

func TestRateLimiterStoreDown(t *testing.T) {
	limiter, server := newLimiter(t)
	server.Close()

	err := limiter.Allow(context.Background(), "k", time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrRateLimited)
}

func TestNewClientFromConfig(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := redis.NewClient(context.Background(), &config.RedisConfig{URL: "redis://" + server.Addr() + "/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, redis.NewRateLimiter(client, "", slog.Default()).Ping(context.Background()))
}
