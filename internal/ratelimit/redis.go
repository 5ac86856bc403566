package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript applies the fixed-window rule in one round trip.
// The caller's clock is used so that every instance agrees with its own
// X-RateLimit-Reset headers.
var fixedWindowScript = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local key = KEYS[1]

local reset_ms = 0
local stored = redis.call("HGET", key, "reset_ms")
if stored then
  reset_ms = tonumber(stored)
end

if now_ms > reset_ms then
  reset_ms = now_ms + window_ms
  redis.call("HSET", key, "count", 0, "start_ms", now_ms, "reset_ms", reset_ms)
end

local count = redis.call("HINCRBY", key, "count", 1)
local start_ms = tonumber(redis.call("HGET", key, "start_ms"))
redis.call("PEXPIRE", key, reset_ms - now_ms + 1000)
return {count, start_ms, reset_ms}
`)

// RedisBackend shares counters between instances through Redis.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a backend that stores keys under prefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// DialRedis parses a redis:// URL and checks the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Hit implements Backend.
func (b *RedisBackend) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (Entry, error) {
	if b.client == nil {
		return Entry{}, errors.New("redis client is nil")
	}
	raw, err := fixedWindowScript.Run(ctx, b.client,
		[]string{b.prefix + key},
		now.UnixMilli(),
		window.Milliseconds(),
	).Result()
	if err != nil {
		return Entry{}, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Entry{}, fmt.Errorf("unexpected redis script response %T", raw)
	}
	nums := make([]int64, len(values))
	for i, v := range values {
		n, err := parseRedisInt64(v)
		if err != nil {
			return Entry{}, err
		}
		nums[i] = n
	}
	return Entry{
		Count:     int(nums[0]),
		StartTime: time.UnixMilli(nums[1]),
		ResetTime: time.UnixMilli(nums[2]),
	}, nil
}

func parseRedisInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, errors.New("redis response overflows int64")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected redis response type %T", v)
	}
}
