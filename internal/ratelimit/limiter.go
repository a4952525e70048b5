// Package ratelimit bounds outbound provider throughput per channel.
package ratelimit

import "context"

// RateLimiter controls send throughput per delivery channel. Wait blocks
// until a send slot is available or the context ends.
type RateLimiter interface {
	Allow(ctx context.Context, channel string) (bool, error)
	Wait(ctx context.Context, channel string) error
}

// Unlimited is a RateLimiter that never blocks, for tests and deployments
// without redis.
type Unlimited struct{}

func (Unlimited) Allow(ctx context.Context, channel string) (bool, error) { return true, nil }

func (Unlimited) Wait(ctx context.Context, channel string) error { return ctx.Err() }
