package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a token bucket shared by every process through Redis. It
// guards provider quotas (keyed by model) and API re-trigger calls (keyed by
// client). A non-positive capacity disables limiting.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token. It is zero when allowed
	// or when the bucket never refills.
	RetryAfter time.Duration
}

func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Enabled reports whether the bucket limits anything.
func (b *TokenBucket) Enabled() bool { return b != nil && b.capacity > 0 }

// Take consumes one token for key if one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	if !b.Enabled() {
		return Decision{Allowed: true, Remaining: math.Inf(1)}, nil
	}
	// Token counts travel as integer milli-tokens; Lua replies truncate floats.
	res, err := takeScript.Run(ctx, b.client, []string{key},
		b.capacity*1000, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := arr[0].(int64)
	milli, _ := arr[1].(int64)
	waitMS, _ := arr[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  float64(milli) / 1000,
		RetryAfter: time.Duration(waitMS) * time.Millisecond,
	}, nil
}

// Allow is Take reduced to the allowed flag and remaining tokens.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	d, err := b.Take(ctx, key)
	return d.Allowed, d.Remaining, err
}

// KEYS[1] bucket hash. ARGV: capacity (milli-tokens), refill (tokens/s), now (ms), ttl (ms).
// Returns {allowed, remaining milli-tokens, ms until the next token}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'milli', 'at')
local milli = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now

if now > at then
  milli = math.min(capacity, milli + (now - at) * refill)
end

local allowed = 0
local wait = 0
if milli >= 1000 then
  allowed = 1
  milli = milli - 1000
elseif refill > 0 then
  wait = math.ceil((1000 - milli) / refill)
end

milli = math.floor(milli)
redis.call('HSET', KEYS[1], 'milli', milli, 'at', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, milli, wait}
`)
