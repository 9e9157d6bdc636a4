package ai

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"agentfleet/pkg/errors"
)

// tokenBucket refills at ARGV[1] tokens per second up to ARGV[2] and takes one token.
// Returns the number of milliseconds to wait, 0 when the token was taken.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if not tokens then
    tokens = burst
    ts = now
end

tokens = math.min(burst, tokens + math.max(0, now - ts) * rate)

local wait = 0
if tokens >= 1 then
    tokens = tokens - 1
else
    wait = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, 3600)
return wait
`)

// RedisLimiter shares the engine budget across replicas
type RedisLimiter struct {
	client *redis.Client
	key    string
	rps    float64
	burst  int
}

var _ RateLimiter = (*RedisLimiter)(nil)

func NewRedisLimiter(client *redis.Client, name string, rpm float64, burst int) *RedisLimiter {
	if burst <= 0 {
		burst = max(1, int(rpm/10))
	}
	return &RedisLimiter{client: client, key: "rate_limit:engine:" + name, rps: rpm / 60.0, burst: burst}
}

func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		now := float64(time.Now().UnixNano()) / float64(time.Second)
		waitMs, err := tokenBucket.Run(ctx, l.client, []string{l.key}, l.rps, l.burst, now).Int64()
		if err != nil {
			return errors.Wrap(err, "engine rate budget")
		}
		if waitMs == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrTimeout, "engine rate budget wait cancelled")
		case <-time.After(time.Duration(waitMs) * time.Millisecond):
		}
	}
}

func (l *RedisLimiter) Limit() float64 { return l.rps * 60 }
