package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript increments a window counter, attaching the TTL only when
// the key is created so the window expires exactly once.
// KEYS[1] = window key
// ARGV[1] = ttl in milliseconds
var redisWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisWindowStore shares window counters across process instances so rate
// limits hold cluster-wide.
type RedisWindowStore struct {
	client *redis.Client
}

// NewRedisWindowStore creates a window store backed by Redis.
func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

// Incr executes the Lua script to bump the counter atomically.
func (s *RedisWindowStore) Incr(ctx context.Context, key string, ttl time.Duration) (int, error) {
	res, err := redisWindowScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis window incr: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("invalid response from window script")
	}
	return int(count), nil
}
