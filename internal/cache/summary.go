// Package cache holds the Redis-backed helpers: a cache of settled checkout
// summaries and a fixed-window request limiter.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nyashahama/course-checkout-backend/internal/checkout"
)

// DefaultSummaryTTL is used when NewSummaryCache is given a zero TTL.
const DefaultSummaryTTL = 10 * time.Minute

// SummaryCache implements checkout.SummaryCache on Redis.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ checkout.SummaryCache = (*SummaryCache)(nil)

// NewSummaryCache returns a cache storing summaries for ttl.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	return &SummaryCache{client: client, ttl: ttl}
}

// Get returns the cached summary. found is false on a cache miss.
func (c *SummaryCache) Get(ctx context.Context, sessionID string) (checkout.Summary, bool, error) {
	data, err := c.client.Get(ctx, summaryKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return checkout.Summary{}, false, nil
	}
	if err != nil {
		return checkout.Summary{}, false, fmt.Errorf("cache: get summary: %w", err)
	}

	var s checkout.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return checkout.Summary{}, false, fmt.Errorf("cache: unmarshal summary: %w", err)
	}
	return s, true, nil
}

// Set stores s under its session id.
func (c *SummaryCache) Set(ctx context.Context, s checkout.Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache: marshal summary: %w", err)
	}
	if err := c.client.Set(ctx, summaryKey(s.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set summary: %w", err)
	}
	return nil
}

func summaryKey(sessionID string) string {
	return fmt.Sprintf("checkout_session:%s", sessionID)
}
