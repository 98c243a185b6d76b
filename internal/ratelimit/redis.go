package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps window counters in Redis so every gateway instance
// shares the same quota.
type RedisCounter struct {
	Redis  redis.Scripter
	Prefix string
}

var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

func (c *RedisCounter) key(raw string) string {
	if c.Prefix == "" {
		return raw
	}
	return c.Prefix + ":" + raw
}

func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	res, err := fixedWindowScript.Run(ctx, c.Redis, []string{c.key(key)}, ms).Result()
	if err != nil {
		return 0, err
	}
	count, ok := toInt64(res)
	if !ok {
		return 0, fmt.Errorf("unexpected counter reply %T", res)
	}
	return count, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
