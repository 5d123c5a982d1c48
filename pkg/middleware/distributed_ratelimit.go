package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter implements rate limiting using Redis
// This allows rate limits to be shared across multiple instances
type DistributedRateLimiter struct {
	redis    *redis.Client
	limit    int64
	window   time.Duration
	prefix   string
	fallback Limiter
}

// NewDistributedRateLimiter counts requests per key in fixed windows of one
// second. When Redis cannot be reached the in-process fallback decides.
func NewDistributedRateLimiter(redisClient *redis.Client, config RateLimitConfig, prefix string, fallback Limiter) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &DistributedRateLimiter{
		redis:    redisClient,
		limit:    int64(config.RatePerSecond) + int64(config.Burst),
		window:   time.Second,
		prefix:   prefix,
		fallback: fallback,
	}
}

// Allow implements Limiter.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := time.Now().Unix() / int64(rl.window/time.Second)
	redisKey := fmt.Sprintf("%s:%s:%d", rl.prefix, key, window)

	// Use Redis pipeline for atomic operations
	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		err = fmt.Errorf("redis error: %w", err)
		if rl.fallback != nil {
			allowed, _ := rl.fallback.Allow(ctx, key)
			return allowed, err
		}
		return true, err
	}

	return incr.Val() <= rl.limit, nil
}
