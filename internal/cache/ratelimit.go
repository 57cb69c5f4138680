package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one RateLimiter.Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRateLimiter allows limit requests per key in each window.
func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
		now:    time.Now,
	}
}

// Allow counts one request for key. On a Redis error the returned decision
// allows the request; callers decide whether to log the error.
func (l *RateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	resetAt := windowStart.Add(l.window)
	redisKey := fmt.Sprintf("rate_limit:%s:%s:%d", l.prefix, key, windowStart.Unix())

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, ResetAt: resetAt},
			fmt.Errorf("cache: rate limit %s: %w", key, err)
	}

	count := int(incr.Val())
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
