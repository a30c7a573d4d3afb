package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares one fixed window across replicas. When Redis fails it
// counts in the local Fallback instead of rejecting traffic.
type RedisLimiter struct {
	Client   redis.UniversalClient
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
	Logger   pslog.Logger
}

func NewRedis(client redis.UniversalClient, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:v1::",
		Timeout:  time.Second,
		Fallback: NewInMemory(window),
		Logger:   pslog.NoopLogger(),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	count, ttl, err := l.incr(ctx, l.Prefix+key)
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warn("ratelimit.redis.unavailable", "key", key, "error", err)
		}
		return l.fallback(ctx, key, limit)
	}
	if ttl < 0 {
		ttl = l.Window
	}
	return decide(count, limit, time.Now().UTC().Add(ttl))
}

func (l *RedisLimiter) incr(ctx context.Context, key string) (int, time.Duration, error) {
	res, err := rateLimitScript.Run(ctx, l.Client, []string{key}, l.Window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, fmt.Errorf("unexpected script result %T", res)
	}
	count, ok := vals[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected count %T", vals[0])
	}
	ttlMs, _ := vals[1].(int64)
	return int(count), time.Duration(ttlMs) * time.Millisecond, nil
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
