// Package ratelimit answers whether an owner may queue more recipients.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrLimitExceeded is returned when an owner has used up the current window
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Limiter reserves quota for n recipients on behalf of an owner
type Limiter interface {
	Allow(ctx context.Context, ownerID string, n int) error
}

// Reporter is implemented by limiters that can report unused quota
type Reporter interface {
	Remaining(ctx context.Context, ownerID string) (int64, error)
}

// Noop allows everything
type Noop struct{}

// Allow always succeeds
func (Noop) Allow(ctx context.Context, ownerID string, n int) error { return nil }

// RedisLimiter is a fixed-window counter per owner stored in Redis
type RedisLimiter struct {
	rdb    redis.UniversalClient
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows limit recipients per owner per window
func NewRedisLimiter(rdb redis.UniversalClient, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) key(ownerID string) string {
	start := l.now().UTC().Truncate(l.window)
	return fmt.Sprintf("ratelimit:%s:%d", ownerID, start.Unix())
}

// Allow reserves n units; a denied request releases its reservation
func (l *RedisLimiter) Allow(ctx context.Context, ownerID string, n int) error {
	key := l.key(ownerID)

	pipe := l.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}

	used := incr.Val()
	if used > l.limit {
		if err := l.rdb.DecrBy(ctx, key, int64(n)).Err(); err != nil {
			logrus.Warnf("Failed to release denied quota for owner %s: %v", ownerID, err)
		}
		return fmt.Errorf("%w: %d of %d recipients already used in this window", ErrLimitExceeded, used-int64(n), l.limit)
	}
	return nil
}

// Remaining reports the unused quota in the current window
func (l *RedisLimiter) Remaining(ctx context.Context, ownerID string) (int64, error) {
	used, err := l.rdb.Get(ctx, l.key(ownerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return l.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota: %w", err)
	}
	if used >= l.limit {
		return 0, nil
	}
	return l.limit - used, nil
}
