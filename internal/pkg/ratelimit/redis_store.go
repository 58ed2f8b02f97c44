// internal/pkg/ratelimit/redis_store.go
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript mirrors Policy.apply so the read-modify-write happens inside
// redis. Keys expire on their own once the block window is over.
var hitScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max    = tonumber(ARGV[3])
local block  = tonumber(ARGV[4])

local count = tonumber(redis.call('HGET', key, 'count'))
local reset = tonumber(redis.call('HGET', key, 'reset'))

if count == nil or reset == nil then
  count = 0
  reset = now + window
elseif count > max then
  if now < reset + block then
    return {count, reset}
  end
  count = 0
  reset = now + window
elseif now >= reset then
  count = 0
  reset = now + window
end

count = count + 1
redis.call('HSET', key, 'count', count, 'reset', reset)
redis.call('PEXPIREAT', key, reset + block)
return {count, reset}
`)

// RedisStore shares the rate-limit table across instances.
type RedisStore struct {
	client redis.Scripter
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, p Policy) (Entry, error) {
	vals, err := hitScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(),
		p.Window.Milliseconds(),
		p.MaxAttempts,
		p.BlockDuration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(vals) != 2 {
		return Entry{}, fmt.Errorf("unexpected rate limit script reply: %v", vals)
	}
	return Entry{Count: int(vals[0]), ResetTime: vals[1]}, nil
}

// Sweep is a no-op: PEXPIREAT removes keys once their block window ends.
func (s *RedisStore) Sweep(context.Context, time.Time, Policy) (int, error) {
	return 0, nil
}
