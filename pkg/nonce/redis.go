package nonce

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisObserveScript raises the counter to a floor without lowering it.
// KEYS[1] = counter key
// ARGV[1] = floor
var redisObserveScript = redis.NewScript(`
local key = KEYS[1]
local floor = tonumber(ARGV[1])
local current = tonumber(redis.call("GET", key) or "0")
if current < floor then
    redis.call("SET", key, ARGV[1])
    return floor
end
return current
`)

// RedisStore shares one counter between relayer processes through Redis.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore uses key "relayer:nonce:<keyID>".
func NewRedisStore(client redis.UniversalClient, keyID string) *RedisStore {
	return &RedisStore{client: client, key: "relayer:nonce:" + keyID}
}

func (s *RedisStore) Next(ctx context.Context) (uint64, error) {
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis nonce incr: %w", err)
	}
	return uint64(n), nil //nolint:gosec // INCR never goes negative here
}

func (s *RedisStore) Observe(ctx context.Context, floor uint64) error {
	if err := redisObserveScript.Run(ctx, s.client, []string{s.key}, strconv.FormatUint(floor, 10)).Err(); err != nil {
		return fmt.Errorf("redis nonce observe: %w", err)
	}
	return nil
}
