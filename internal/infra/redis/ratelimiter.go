package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halcyon-dev/courier/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 100
	backoffStep              = 10 * time.Millisecond
	backoffMax               = 50 * time.Millisecond
	windowSeconds            = 1
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*ChannelRateLimiter)(nil)

// ChannelRateLimiter is a distributed per-second send limiter backed by
// redis. Each channel gets its own counter window, so a slow SMS vendor
// cannot starve push traffic. Limits may differ per channel; unknown
// channels use the default.
type ChannelRateLimiter struct {
	client       *goredis.Client
	defaultLimit int64
	limits       map[string]int64
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	script       *goredis.Script
}

func NewChannelRateLimiter(client *goredis.Client, defaultPerSec int, perChannel map[string]int) (*ChannelRateLimiter, error) {
	return newChannelRateLimiter(client, int64(defaultPerSec), perChannel, time.Now, sleepWithContext)
}

func newChannelRateLimiter(
	client *goredis.Client,
	defaultLimit int64,
	perChannel map[string]int,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*ChannelRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if defaultLimit <= 0 {
		defaultLimit = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	limits := make(map[string]int64, len(perChannel))
	for name, limit := range perChannel {
		if limit > 0 {
			limits[strings.ToLower(strings.TrimSpace(name))] = int64(limit)
		}
	}

	return &ChannelRateLimiter{
		client:       client,
		defaultLimit: defaultLimit,
		limits:       limits,
		now:          nowFn,
		sleep:        sleepFn,
		script:       allowScript,
	}, nil
}

func (r *ChannelRateLimiter) Allow(ctx context.Context, channel string) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalizedChannel := strings.ToLower(strings.TrimSpace(channel))
	if normalizedChannel == "" {
		return false, fmt.Errorf("channel is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	limit := r.defaultLimit
	if perChannel, ok := r.limits[normalizedChannel]; ok {
		limit = perChannel
	}

	key := fmt.Sprintf("courier:ratelimit:%s:%d", normalizedChannel, r.now().UTC().Unix())
	result, err := r.script.Run(ctx, r.client, []string{key}, limit, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

func (r *ChannelRateLimiter) Wait(ctx context.Context, channel string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := backoffStep
	for {
		allowed, err := r.Allow(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
