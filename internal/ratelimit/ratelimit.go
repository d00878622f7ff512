// Package ratelimit implements the per-identity token bucket backing the
// admission middleware. Bucket state lives in the key-value store under
// rate_limit:<identity> and is mutated atomically by a Lua script, so
// concurrent requests from one identity see a single consistent bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rate_limit:"

// tokenBucketScript atomically refills and consumes one token.
//
// The refill rate is rps/60 tokens per second: rps is expressed relative to
// a 60-second window, and the configured defaults only make sense under
// that interpretation.
//
// Keys: KEYS[1] = bucket key
// Args: ARGV[1] = burst, ARGV[2] = rps, ARGV[3] = now (unix microseconds)
// Returns: {allowed (0/1), remaining tokens}
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local rps = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
    tokens = burst
    last_refill = now
end

local elapsed = (now - last_refill) / 1000000.0
if elapsed > 0 then
    tokens = math.min(burst, tokens + elapsed * rps / 60.0)
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tostring(tokens), "last_refill", tostring(now))
redis.call("EXPIRE", key, 120)

return {allowed, math.floor(tokens)}
`)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
}

// Limiter is the Redis-backed token bucket.
type Limiter struct {
	client *redis.Client
	rps    float64
	burst  int

	now func() int64 // unix microseconds, swappable in tests
}

// New creates a limiter. rps <= 0 and burst <= 0 fall back to the defaults
// of 10 and 20.
func New(client *redis.Client, rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Limiter{
		client: client,
		rps:    rps,
		burst:  burst,
		now:    func() int64 { return time.Now().UnixMicro() },
	}
}

// Allow consumes one token for the identity.
func (l *Limiter) Allow(ctx context.Context, identity string) (Result, error) {
	result, err := tokenBucketScript.Run(ctx, l.client, []string{keyPrefix + identity},
		l.burst, l.rps, l.now(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(result) != 2 {
		return Result{}, fmt.Errorf("rate limit script: unexpected result length %d", len(result))
	}
	return Result{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
	}, nil
}
