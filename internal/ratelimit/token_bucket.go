package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// It backs the global submission ceiling.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token for key at time now if one is available.
// When denied, retryAfter is the time until the next token refills.
func (b *TokenBucket) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now.UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected reply from bucket script: %v", res)
	}
	allowed, _ := arr[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}
	// Lua numbers come back truncated to integers; the script reports milli-tokens.
	var milli float64
	switch v := arr[1].(type) {
	case int64:
		milli = float64(v)
	case float64:
		milli = v
	}
	tokens := milli / 1000
	if b.refill <= 0 {
		return false, b.ttl, nil
	}
	wait := time.Duration(math.Ceil((1-tokens)/b.refill*1000)) * time.Millisecond
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
