package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimited            = errors.New("rate limited")
	ErrWindowRedisUnavailable = errors.New("rate limit redis unavailable")
)

// FixedWindow is an INCR+EXPIRE counter throttling requests per subject
// within a fixed window. A zero limit disables the throttle entirely.
type FixedWindow struct {
	redis  redis.UniversalClient
	scope  string
	limit  int
	window time.Duration
}

func NewFixedWindow(redisClient redis.UniversalClient, scope string, limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		redis:  redisClient,
		scope:  scope,
		limit:  limit,
		window: window,
	}
}

func (l *FixedWindow) key(subject string) string {
	return "vas:fw:" + l.scope + ":" + subject
}

// Allow counts one request for subject and returns ErrRateLimited once the
// window's budget is spent.
func (l *FixedWindow) Allow(ctx context.Context, subject string) error {
	if l.limit <= 0 || subject == "" {
		return nil
	}

	count, err := l.redis.Incr(ctx, l.key(subject)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWindowRedisUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(subject), l.window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrWindowRedisUnavailable, err)
		}
	}

	if count > int64(l.limit) {
		return ErrRateLimited
	}

	return nil
}

// Reset clears the counter for subject.
func (l *FixedWindow) Reset(ctx context.Context, subject string) error {
	if err := l.redis.Del(ctx, l.key(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWindowRedisUnavailable, err)
	}
	return nil
}
