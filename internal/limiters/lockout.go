// Package limiters holds the Redis counters guarding the engine's
// authentication paths: the failed-login lockout tracker and the fixed
// windows throttling code requests.
package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutConfig holds configuration for the failed-authentication tracker.
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

var (
	// ErrLockoutUnavailable indicates the lockout backend is unreachable.
	ErrLockoutUnavailable = errors.New("lockout backend unavailable")
)

// Lockout tracks consecutive failed authentication attempts per identity
// and engages a timed lock once the threshold is reached. The counter
// lives on INCR so concurrent failures from multiple clients never lose
// an increment; the lock decision reads the post-increment value.
type Lockout struct {
	redis  redis.UniversalClient
	config LockoutConfig
}

func NewLockout(redisClient redis.UniversalClient, cfg LockoutConfig) *Lockout {
	return &Lockout{redis: redisClient, config: cfg}
}

func (l *Lockout) failKey(identity string) string {
	return "vas:lof:" + identity
}

func (l *Lockout) lockKey(identity string) string {
	return "vas:lol:" + identity
}

// RecordFailure increments the failure counter and, when the incremented
// value reaches the threshold, engages the lock. Returns true when this
// call engaged the lock.
func (l *Lockout) RecordFailure(ctx context.Context, identity string) (bool, error) {
	if identity == "" {
		return false, nil
	}

	count, err := l.redis.Incr(ctx, l.failKey(identity)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	if count == 1 {
		// Window TTL on first failure: the counter auto-resets once the
		// observation window elapses without a lock.
		if err := l.redis.Expire(ctx, l.failKey(identity), l.config.Window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
		}
	}

	if count < int64(l.config.Threshold) {
		return false, nil
	}

	// Threshold crossed. SET NX so racing crossers agree on one lock start.
	engaged, err := l.redis.SetNX(ctx, l.lockKey(identity), "1", l.config.Duration).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	return engaged, nil
}

// IsLocked reports whether the identity is currently locked and, when it
// is, how long until the lock expires.
func (l *Lockout) IsLocked(ctx context.Context, identity string) (bool, time.Duration, error) {
	if identity == "" {
		return false, 0, nil
	}

	ttl, err := l.redis.PTTL(ctx, l.lockKey(identity)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if ttl <= 0 {
		// -2 key missing, -1 no expiry (never set by us).
		return false, 0, nil
	}

	return true, ttl, nil
}

// RecordSuccess clears the failure counter and any active lock.
func (l *Lockout) RecordSuccess(ctx context.Context, identity string) error {
	if identity == "" {
		return nil
	}

	if err := l.redis.Del(ctx, l.failKey(identity), l.lockKey(identity)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// FailureCount returns the current failure counter value.
func (l *Lockout) FailureCount(ctx context.Context, identity string) (int, error) {
	if identity == "" {
		return 0, nil
	}

	count, err := l.redis.Get(ctx, l.failKey(identity)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return int(count), nil
}
