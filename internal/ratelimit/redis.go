package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript refills and consumes one token in a single atomic step so that
// concurrent gateway instances never double-spend. Bucket state is a hash of
// the current token count and the last refill timestamp in milliseconds; a
// missing hash is a full bucket.
var allowScript = redis.NewScript(`
local rps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ts_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
	tokens = burst
	last = now
end

local elapsed = math.max(0, now - last)
tokens = math.min(burst, tokens + elapsed / 1000 * rps)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_ts_ms', now)
redis.call('PEXPIRE', KEYS[1], ttl)
return allowed
`)

// RedisLimiter is a token bucket Limiter shared across gateway instances.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
	ttlMS  int64

	now func() time.Time // test hook
}

// NewRedisLimiter connects to the Redis at url and returns a limiter granting
// each key burst tokens, refilled at rps tokens per second.
func NewRedisLimiter(url string, rps float64, burst int) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisLimiter{
		client: redis.NewClient(opt),
		rps:    rps,
		burst:  burst,
		// Idle buckets expire once a full refill plus slack has elapsed.
		ttlMS: int64(math.Max(2000, 2000+1000*float64(burst)/rps)),
		now:   time.Now,
	}, nil
}

// Allow consumes one token from keyID's bucket. A Redis outage admits the
// request and logs.
func (l *RedisLimiter) Allow(ctx context.Context, keyID string) bool {
	res, err := allowScript.Run(ctx, l.client, []string{"rl:" + keyID},
		l.rps, l.burst, l.now().UnixMilli(), l.ttlMS).Int()
	if err != nil {
		slog.Warn("rate limit check failed, allowing request", "key_id", keyID, "error", err)
		return true
	}
	return res == 1
}

// Ping reports whether Redis is reachable.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
