package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/joshcabana/verity-backend-sub000/internal/clock"
	redisclient "github.com/joshcabana/verity-backend-sub000/internal/redis"
)

// rateLimitScript is a Lua script for sliding window rate limiting
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window + 10000)

return {1, now + window}
`)

// RateLimiter provides generic rate limiting functionality
type RateLimiter struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *redis.Client, clk clock.Clock) *RateLimiter {
	return &RateLimiter{client: client, clock: clk}
}

// CheckLimit checks if a request is allowed under the rate limit. Store
// errors deny the request.
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	allowed, resetAt, err := rl.Check(ctx, key, limit, window)
	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("rate limit check failed, denying request for safety")
		return false, rl.clock.Now().Add(window)
	}
	return allowed, resetAt
}

// Check is CheckLimit with store failures returned to the caller instead
// of folded into a denial.
func (rl *RateLimiter) Check(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time, err error) {
	now := rl.clock.Now()

	result, err := rateLimitScript.Run(
		ctx,
		rl.client,
		[]string{redisclient.RateLimitKey(key)},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		newRequestID(),
	).Int64Slice()
	if err != nil {
		return false, time.Time{}, err
	}
	if len(result) != 2 {
		return false, time.Time{}, fmt.Errorf("unexpected rate limit result of length %d", len(result))
	}

	return result[0] == 1, time.UnixMilli(result[1]), nil
}
