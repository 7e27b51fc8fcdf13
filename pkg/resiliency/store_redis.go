package resiliency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCircuitCASScript swaps circuit state atomically iff the stored
// generation matches the caller's snapshot.
// KEYS[1] = circuit key
// ARGV[1] = expected generation
// ARGV[2] = state
// ARGV[3] = failures
// ARGV[4] = last failure (unix micros, 0 if unset)
// ARGV[5] = next attempt (unix micros, 0 if unset)
// ARGV[6] = new generation
var redisCircuitCASScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "gen")
local expected = tonumber(ARGV[1])
if cur then
    if tonumber(cur) ~= expected then
        return 0
    end
elseif expected ~= 0 then
    return 0
end
redis.call("HSET", KEYS[1],
    "state", ARGV[2],
    "failures", ARGV[3],
    "last_failure", ARGV[4],
    "next_attempt", ARGV[5],
    "gen", ARGV[6])
return 1
`)

// RedisCircuitStore shares circuit state across process instances so that a
// single threshold crossing opens the breaker for the whole cluster.
type RedisCircuitStore struct {
	client *redis.Client
}

// NewRedisCircuitStore creates a circuit store backed by Redis.
func NewRedisCircuitStore(client *redis.Client) *RedisCircuitStore {
	return &RedisCircuitStore{client: client}
}

func circuitKey(key string) string {
	return "circuit:" + key
}

// Get reads the circuit hash. A missing key is the zero (closed) state.
func (s *RedisCircuitStore) Get(ctx context.Context, key string) (CircuitState, error) {
	vals, err := s.client.HMGet(ctx, circuitKey(key), "state", "failures", "last_failure", "next_attempt", "gen").Result()
	if err != nil {
		return CircuitState{}, fmt.Errorf("redis circuit read: %w", err)
	}

	var st CircuitState
	if v, ok := vals[0].(string); ok {
		st.State = State(v)
	}
	if v, ok := vals[1].(string); ok {
		st.Failures, _ = strconv.Atoi(v)
	}
	if v, ok := vals[2].(string); ok {
		st.LastFailure = microsToTime(v)
	}
	if v, ok := vals[3].(string); ok {
		st.NextAttempt = microsToTime(v)
	}
	if v, ok := vals[4].(string); ok {
		st.Generation, _ = strconv.ParseInt(v, 10, 64)
	}
	return st, nil
}

// CompareAndSwap runs the Lua CAS script against the stored generation.
func (s *RedisCircuitStore) CompareAndSwap(ctx context.Context, key string, prev, next CircuitState) (bool, error) {
	res, err := redisCircuitCASScript.Run(ctx, s.client, []string{circuitKey(key)},
		prev.Generation,
		string(next.State),
		next.Failures,
		timeToMicros(next.LastFailure),
		timeToMicros(next.NextAttempt),
		next.Generation,
	).Result()
	if err != nil {
		return false, fmt.Errorf("redis circuit cas: %w", err)
	}
	won, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("invalid response from circuit cas script")
	}
	return won == 1, nil
}

func timeToMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func microsToTime(v string) time.Time {
	us, err := strconv.ParseInt(v, 10, 64)
	if err != nil || us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}
