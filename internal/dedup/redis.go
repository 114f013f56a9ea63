package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"courierhook/internal/types"
)

// keyPrefix namespaces event keys in a shared Redis.
const keyPrefix = "courierhook:event:"

// redisClaimer is the slice of the redis client RedisStore uses.
type redisClaimer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore is a Store shared by every replica pointing at the same Redis.
// SET NX with an expiry gives the atomic claim and the TTL in one round trip.
type RedisStore struct {
	rdb redisClaimer
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redisClaimer) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// NewRedisStoreFromURL connects using a redis:// URL.
func NewRedisStoreFromURL(url string) (*RedisStore, *redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opt)
	return NewRedisStore(rdb), rdb, nil
}

func (s *RedisStore) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyPrefix+id, 1, ttl).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalStorage, "dedup claim failed", err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, "dedup release failed", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
