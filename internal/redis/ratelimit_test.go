package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time          { return c.t }
func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *stepClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := &stepClock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(NewFromClient(rdb, zap.NewNop()), zap.NewNop(), RateLimitConfig{
		Name:   "api",
		Limit:  limit,
		Window: window,
	}, WithNow(clk.now))
	return limiter, clk, mr
}

func TestRateLimiter_CountsDownThenRejects(t *testing.T) {
	limiter, clk, _ := newLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		res, err := limiter.Allow(ctx, "admin-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
		assert.Equal(t, 3, res.Limit)
		clk.advance(time.Second)
	}

	res, err := limiter.Allow(ctx, "admin-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	// the first request was at 09:00:00
	assert.Equal(t, time.Date(2024, 3, 10, 9, 1, 0, 0, time.UTC), res.ResetAt.UTC())
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, clk, _ := newLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "op-1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		clk.advance(20 * time.Second)
	}

	res, err := limiter.Allow(ctx, "op-1")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// 09:01:00 drops the first request only
	clk.advance(20 * time.Second)
	res, err = limiter.Allow(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Remaining)
}

func TestRateLimiter_RejectionIsNotRecorded(t *testing.T) {
	limiter, clk, _ := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	for i := 0; i < 5; i++ {
		clk.advance(10 * time.Second)
		res, err = limiter.Allow(ctx, "op-1")
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	clk.advance(15 * time.Second)
	res, err = limiter.Allow(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "rejected calls must not keep the key blocked")
}

func TestRateLimiter_KeysAreIndependentAndNamespaced(t *testing.T) {
	limiter, _, mr := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	for _, actor := range []string{"admin-1", "admin-2"} {
		res, err := limiter.Allow(ctx, actor)
		require.NoError(t, err)
		assert.True(t, res.Allowed, actor)
	}

	assert.True(t, mr.Exists("dunning:ratelimit:api:admin-1"))
	assert.True(t, mr.Exists("dunning:ratelimit:api:admin-2"))
}

func TestRateLimiter_AllowNIsAllOrNothing(t *testing.T) {
	limiter, _, _ := newLimiter(t, 5, time.Minute)
	ctx := context.Background()

	res, err := limiter.AllowN(ctx, "bulk", 4)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)

	res, err = limiter.AllowN(ctx, "bulk", 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)

	res, err = limiter.Allow(ctx, "bulk")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestClient_KeyPrefix(t *testing.T) {
	c := &Client{}
	assert.Equal(t, "dunning:lock:batch:1", c.Key("lock", "batch", "1"))

	c = &Client{prefix: "staging"}
	assert.Equal(t, "staging:idempotency:a:b", c.Key("idempotency", "a", "b"))
}
