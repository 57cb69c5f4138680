package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/course-checkout-backend/internal/checkout"
)

// setupTestRedis creates a miniredis server and a client pointing at it.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// ─── SummaryCache ─────────────────────────────────────────────────────────────

func TestSummaryCache_SetThenGet(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewSummaryCache(client, 5*time.Minute)
	ctx := context.Background()

	email := "ana@example.com"
	in := checkout.Summary{
		ID:            "cs_test_1",
		PaymentStatus: "paid",
		CustomerEmail: &email,
		AmountTotal:   14700,
		Currency:      "brl",
		PaymentMethod: "card",
		Installments:  "3",
	}
	require.NoError(t, c.Set(ctx, in))

	got, found, err := c.Get(ctx, "cs_test_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, got)

	assert.True(t, mr.Exists("checkout_session:cs_test_1"))
	assert.Equal(t, 5*time.Minute, mr.TTL("checkout_session:cs_test_1"))
}

func TestSummaryCache_Miss(t *testing.T) {
	client, _ := setupTestRedis(t)
	c := NewSummaryCache(client, 0)

	_, found, err := c.Get(context.Background(), "cs_unknown")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, DefaultSummaryTTL, c.ttl)
}

func TestSummaryCache_Expires(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewSummaryCache(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, checkout.Summary{ID: "cs_exp", PaymentStatus: "paid"}))
	mr.FastForward(2 * time.Minute)

	_, found, err := c.Get(ctx, "cs_exp")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSummaryCache_CorruptEntry(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewSummaryCache(client, time.Minute)

	require.NoError(t, mr.Set("checkout_session:cs_bad", "{not json"))
	_, found, err := c.Get(context.Background(), "cs_bad")
	assert.Error(t, err)
	assert.False(t, found)
}

func TestSummaryCache_RedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewSummaryCache(client, time.Minute)
	mr.Close()

	_, _, err := c.Get(context.Background(), "cs_any")
	assert.Error(t, err)
}

// ─── RateLimiter ──────────────────────────────────────────────────────────────

func TestRateLimiter_BlocksAfterLimit(t *testing.T) {
	client, _ := setupTestRedis(t)
	l := NewRateLimiter(client, "create_session", 3, time.Minute)
	fixed := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3-i, d.Remaining)
	}

	d, err := l.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC), d.ResetAt)

	// Other keys have their own budget.
	d, err = l.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_NewWindowResets(t *testing.T) {
	client, _ := setupTestRedis(t)
	l := NewRateLimiter(client, "create_session", 1, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	d, _ := l.Allow(ctx, "ip")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "ip")
	assert.False(t, d.Allowed)

	now = now.Add(time.Minute)
	d, err := l.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewRateLimiter(client, "create_session", 1, time.Minute)
	mr.Close()

	d, err := l.Allow(context.Background(), "ip")
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}
