package security

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a Limiter backed by Redis sorted sets, for deployments
// that want rate limits shared across service instances. Each request is a
// member scored by its unix-nano timestamp; members older than the window
// are trimmed before counting.
//
// Redis errors fail open: an unreachable Redis must not take the main
// application down with it.
type RedisLimiter struct {
	client *redis.Client
	config RateLimitConfig
	logger *slog.Logger
}

// redisKeyPrefix namespaces limiter keys in a shared Redis.
const redisKeyPrefix = "gatekeep:rate:"

// NewRedisLimiter creates a Redis-backed sliding-window limiter.
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, logger *slog.Logger) *RedisLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultRateLimit.MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimit.Window
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{client: client, config: config, logger: logger}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, id string) bool {
	key := redisKeyPrefix + id
	now := time.Now()
	cutoff := now.Add(-l.config.Window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.New().String(),
	})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, l.config.Window)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter redis error, failing open", "error", err)
		return true
	}

	return count.Val() <= int64(l.config.MaxRequests)
}
