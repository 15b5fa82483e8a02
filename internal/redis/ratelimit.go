package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/metrics"
)

// RateLimitConfig names a limiter and sets how many requests one key may
// make per window. Name shows up in the metrics label and the Redis key.
type RateLimitConfig struct {
	Name   string
	Limit  int
	Window time.Duration
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest request in the window expires
	ResetAt time.Time
}

// RateLimiter keeps one sorted set per key holding request timestamps.
// The API applies it per actor so a script cannot flood batch generation.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

type RateLimitOption func(*RateLimiter)

// WithNow replaces the wall clock, mainly for tests
func WithNow(now func() time.Time) RateLimitOption {
	return func(r *RateLimiter) { r.now = now }
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig, opts ...RateLimitOption) *RateLimiter {
	r := &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RateLimiter) key(k string) string {
	return r.client.Key("ratelimit", r.config.Name, k)
}

func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN admits n requests for key or none. A rejected call records
// nothing, so retrying clients do not extend their own ban.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	redisKey := r.key(key)
	cutoff := strconv.FormatInt(now.Add(-r.config.Window).UnixNano(), 10)

	var (
		count  *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := r.client.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
		count = p.ZCard(ctx, redisKey)
		oldest = p.ZRangeWithScores(ctx, redisKey, 0, 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit window read failed: %w", err)
	}

	used := int(count.Val())
	result := &RateLimitResult{
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-used),
		ResetAt:   now.Add(r.config.Window),
	}
	if zs := oldest.Val(); len(zs) > 0 {
		result.ResetAt = time.Unix(0, int64(zs[0].Score)).Add(r.config.Window)
	}

	if used+n > r.config.Limit {
		metrics.RecordRateLimitRejection(r.config.Name)
		r.logger.Debug("rate limit exceeded",
			zap.String("limiter", r.config.Name),
			zap.String("key", key),
			zap.Int("used", used),
			zap.Int("limit", r.config.Limit),
		)
		return result, nil
	}

	members := make([]redis.Z, n)
	for i := range members {
		members[i] = redis.Z{
			Score:  float64(now.UnixNano()),
			Member: fmt.Sprintf("%d:%d", now.UnixNano(), i),
		}
	}
	_, err = r.client.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, redisKey, members...)
		p.PExpire(ctx, redisKey, r.config.Window)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit record failed: %w", err)
	}

	result.Allowed = true
	result.Remaining -= n
	return result, nil
}
