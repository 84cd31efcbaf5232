package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisService = "session-store"

// RedisWrapper guards the session store's redis client. redis.Nil is a normal miss and never
// counts against the breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper wraps client with a breaker configured from CB_REDIS_*.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.Register("redis", redisService, cb)
	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

func (rw *RedisWrapper) run(ctx context.Context, cmd redis.Cmder, call func() redis.Cmder) error {
	var got redis.Cmder
	err := rw.cb.Execute(ctx, func() error {
		got = call()
		if e := got.Err(); e != nil && !errors.Is(e, redis.Nil) {
			return e
		}
		return nil
	})
	GlobalMetricsCollector.RecordRequest("redis", redisService, rw.cb.State(), err == nil)
	if err != nil && got == nil {
		cmd.SetErr(err)
	}
	return err
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	res := redis.NewStatusCmd(ctx)
	_ = rw.run(ctx, res, func() redis.Cmder { res = rw.client.Ping(ctx); return res })
	return res
}

// Get reads a key.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	res := redis.NewStringCmd(ctx)
	_ = rw.run(ctx, res, func() redis.Cmder { res = rw.client.Get(ctx, key); return res })
	return res
}

// Set writes a key with a TTL.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	res := redis.NewStatusCmd(ctx)
	_ = rw.run(ctx, res, func() redis.Cmder { res = rw.client.Set(ctx, key, value, ttl); return res })
	return res
}

// SetNX writes a key only if it does not exist.
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	res := redis.NewBoolCmd(ctx)
	_ = rw.run(ctx, res, func() redis.Cmder { res = rw.client.SetNX(ctx, key, value, ttl); return res })
	return res
}

// Del removes keys.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	res := redis.NewIntCmd(ctx)
	_ = rw.run(ctx, res, func() redis.Cmder { res = rw.client.Del(ctx, keys...); return res })
	return res
}

// Eval runs a lua script.
func (rw *RedisWrapper) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	res := redis.NewCmd(ctx)
	_ = rw.run(ctx, res, func() redis.Cmder { res = rw.client.Eval(ctx, script, keys, args...); return res })
	return res
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// GetClient exposes the raw client for commands the wrapper does not cover.
func (rw *RedisWrapper) GetClient() *redis.Client { return rw.client }

// IsCircuitBreakerOpen reports whether calls are currently rejected.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool { return rw.cb.State() == StateOpen }
