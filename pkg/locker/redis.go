package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// rateScript is the fixed-window counter. First hit seeds the counter
// with the window TTL; at or above max nothing is incremented and the
// remaining TTL comes back as the retry hint.
var rateScript = redis.NewScript(`
local count = redis.call("GET", KEYS[1])
if not count then
	redis.call("SET", KEYS[1], 1, "PX", ARGV[1])
	return {1, tonumber(ARGV[1])}
end
if tonumber(count) >= tonumber(ARGV[2]) then
	return {-1, redis.call("PTTL", KEYS[1])}
end
count = redis.call("INCR", KEYS[1])
return {count, redis.call("PTTL", KEYS[1])}`)

type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(client *redis.Client) *redisBackend {
	return &redisBackend{client: client}
}

func (r *redisBackend) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (r *redisBackend) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{"lock:" + key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *redisBackend) Allow(ctx context.Context, key string, max int64, window time.Duration) (Decision, error) {
	res, err := rateScript.Run(ctx, r.client, []string{"rate:" + key}, window.Milliseconds(), max).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", key, res)
	}
	count, ttlMs := res[0], res[1]
	if count < 0 {
		return Decision{Count: -1, RetryAfterMs: ttlMs}, nil
	}
	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{OK: true, Count: count, Remaining: remaining, RetryAfterMs: 0}, nil
}
