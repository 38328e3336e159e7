package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds throttle tuning parameters. A zero max disables that throttle.
type Config struct {
	MaxLoginAttempts   int
	LoginWindow        time.Duration
	MaxRefreshAttempts int
	RefreshWindow      time.Duration
}

// Limiter enforces per-subject login and per-family refresh budgets with Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

// New creates a [Limiter] backed by the given Redis client. prefix namespaces its keys.
func New(redisClient redis.UniversalClient, prefix string, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
	}
}

// CheckLogin counts a login for subject and fails once the window budget is spent.
func (l *Limiter) CheckLogin(ctx context.Context, subject string) error {
	return l.check(ctx, l.loginKey(subject), l.config.MaxLoginAttempts, l.config.LoginWindow)
}

// CheckRefresh counts a refresh for family and fails once the window budget is spent.
func (l *Limiter) CheckRefresh(ctx context.Context, family string) error {
	return l.check(ctx, l.refreshKey(family), l.config.MaxRefreshAttempts, l.config.RefreshWindow)
}

// RefreshAttempts returns the current refresh counter for family.
func (l *Limiter) RefreshAttempts(ctx context.Context, family string) (int, error) {
	count, err := l.redis.Get(ctx, l.refreshKey(family)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// ResetRefresh clears the refresh counter for family.
func (l *Limiter) ResetRefresh(ctx context.Context, family string) error {
	if err := l.redis.Del(ctx, l.refreshKey(family)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) loginKey(subject string) string {
	return l.prefix + ":rl:login:" + subject
}

func (l *Limiter) refreshKey(family string) string {
	return l.prefix + ":rl:refresh:" + family
}

func (l *Limiter) check(ctx context.Context, key string, maxAttempts int, window time.Duration) error {
	if maxAttempts <= 0 || window <= 0 {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, key, window)
	if err != nil {
		return err
	}
	if count > int64(maxAttempts) {
		return ErrRateLimited
	}

	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
