package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps entries as plain string keys with a per-subject set of
// the keys written for that subject and a per-subject generation counter.
// Every key of a subject carries the same hash tag, so the invalidation
// script only touches one slot and runs on Redis Cluster as well.
type RedisCache struct {
	Redis redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{Redis: client}
}

// KEYS[1] is the subject's index, KEYS[2] its generation. The indexed entry
// keys share the hash tag of both.
var invalidateScript = redis.NewScript(`
local gen = redis.call('INCR', KEYS[2])
local keys = redis.call('SMEMBERS', KEYS[1])
for i = 1, #keys, 500 do
  redis.call('DEL', unpack(keys, i, math.min(i + 499, #keys)))
end
redis.call('DEL', KEYS[1])
return gen
`)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrCacheUnavailable, err)
}

func (c *RedisCache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	payload, err := c.Redis.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return payload, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key Key, payload []byte, ttl time.Duration) error {
	idx := indexKey(key.Subject)
	_, err := c.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key.String(), payload, ttl)
		pipe.SAdd(ctx, idx, key.String())
		// The index lives as long as its newest entry.
		pipe.Expire(ctx, idx, ttl)
		return nil
	})
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (c *RedisCache) Generation(ctx context.Context, subject string) (uint64, error) {
	gen, err := c.Redis.Get(ctx, generationKey(subject)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("generation", err)
	}
	return gen, nil
}

func (c *RedisCache) InvalidateBySubject(ctx context.Context, subject string) error {
	keys := []string{indexKey(subject), generationKey(subject)}
	if err := invalidateScript.Run(ctx, c.Redis, keys).Err(); err != nil {
		return unavailable("invalidate", err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
