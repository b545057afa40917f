package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The scripts run atomically on the Redis server, so each one is a single
// read-check-write step no other client can interleave with.
var (
	incrementWithCeilingScript = redis.NewScript(`
        local current = tonumber(redis.call('GET', KEYS[1]) or '0')
        local limit = tonumber(ARGV[1])
        if current + 1 > limit then
            return 0
        end
        redis.call('INCRBY', KEYS[1], 1)
        redis.call('PEXPIRE', KEYS[1], ARGV[2])
        return 1
    `)

	compareAndDeleteScript = redis.NewScript(`
        if redis.call('GET', KEYS[1]) == ARGV[1] then
            return redis.call('DEL', KEYS[1])
        end
        return 0
    `)

	compareAndSwapScript = redis.NewScript(`
        if redis.call('GET', KEYS[1]) ~= ARGV[1] then
            return 0
        end
        local ttl = redis.call('PTTL', KEYS[1])
        if ttl > 0 then
            redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
        else
            redis.call('SET', KEYS[1], ARGV[2])
        end
        return 1
    `)

	compareAndExpireScript = redis.NewScript(`
        if redis.call('GET', KEYS[1]) ~= ARGV[1] then
            return 0
        end
        redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
        return 1
    `)
)

// RedisStore implements AtomicStore on a Redis server.  Key TTLs are Redis
// TTLs, so expiry is decided by the server clock for every replica alike.
type RedisStore struct {
	rdb redis.Cmdable
}

// NewRedisStore wraps an existing client.  A single-node client, a cluster
// client or a ring are all accepted.
func NewRedisStore(rdb redis.Cmdable) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) ConditionalSet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, clampTTL(ttl)).Result()
	if err != nil {
		return false, backendErr("conditional set", key, err)
	}
	return ok, nil
}

func (s *RedisStore) IncrementWithCeiling(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	n, err := incrementWithCeilingScript.Run(ctx, s.rdb, []string{key}, limit, clampTTL(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, backendErr("increment", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{key}, expected).Int64()
	if err != nil {
		return false, backendErr("compare and delete", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	n, err := compareAndSwapScript.Run(ctx, s.rdb, []string{key}, expected, value).Int64()
	if err != nil {
		return false, backendErr("compare and swap", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpireScript.Run(ctx, s.rdb, []string{key}, expected, value, clampTTL(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, backendErr("compare and expire", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendErr("get", key, err)
	}
	return v, true, nil
}

// clampTTL keeps sub-millisecond TTLs from turning into "no expiry".
func clampTTL(ttl time.Duration) time.Duration {
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

func backendErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", ErrBackend, op, key, err)
}
