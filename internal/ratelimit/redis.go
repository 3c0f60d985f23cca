// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter shared across gateway replicas. Each key
// gets a per-minute counter; the first increment sets the expiry.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis returns a limiter backed by the given client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

// Allow increments key's counter for the current minute window.
func (r *Redis) Allow(ctx context.Context, key string, rpm int) (Decision, error) {
	if rpm <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := r.now()
	window := now.Truncate(time.Minute)
	redisKey := fmt.Sprintf("smsgw:rl:%s:%d", key, window.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis incr: %w", err)
	}

	if incr.Val() > int64(rpm) {
		return Decision{RetryAfter: window.Add(time.Minute).Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}
