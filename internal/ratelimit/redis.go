package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript は読み取りと加算を1回の操作で行い、上限を超える加算をしません。
var incrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local ceiling = tonumber(ARGV[1])
if ceiling > 0 and current >= ceiling then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current}
`)

// RedisCounter は Redis 上の Counter 実装です。
type RedisCounter struct {
	rdb redis.UniversalClient
}

// NewRedisCounter は RedisCounter を作成します。
func NewRedisCounter(rdb redis.UniversalClient) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Incr は Lua スクリプトで上限付きの加算を行います。
func (c *RedisCounter) Incr(ctx context.Context, key string, ceiling int, ttl time.Duration) (int64, bool, error) {
	res, err := incrScript.Run(ctx, c.rdb, []string{key}, ceiling, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected script result: %v", res)
	}
	return res[1], res[0] == 1, nil
}

// Get は現在の回数を返します。キーが無ければ 0 です。
func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
