package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisGate is a Gate backed by a shared Redis token bucket, for bounding
// generator invocation rate across processes.
type RedisGate struct {
	client     *redis.Client
	ratePerSec float64
	burst      int
}

// NewRedisGate creates a gate allowing ratePerSec sustained invocations with
// the given burst capacity.
func NewRedisGate(addr, password string, db int, ratePerSec float64, burst int) *RedisGate {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisGate{client: rdb, ratePerSec: ratePerSec, burst: burst}
}

// Allow consumes cost tokens from the bucket under key.
func (g *RedisGate) Allow(ctx context.Context, key string, cost int) (bool, error) {
	bucket := fmt.Sprintf("gatewarden:limiter:%s", key)
	rate := g.ratePerSec
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, g.client, []string{bucket}, rate, g.burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis gate: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis gate: invalid script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Close releases the underlying client.
func (g *RedisGate) Close() error {
	return g.client.Close()
}
