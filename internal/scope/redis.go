package scope

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisVersion shares the scope-cache version through a Redis counter so
// that several memberstore processes observe the same invalidations.
type RedisVersion struct {
	rdb *redis.Client
	key string
}

// NewRedisVersion creates a shared version backed by the given client.
func NewRedisVersion(rdb *redis.Client, key string) *RedisVersion {
	if key == "" {
		key = "memberstore:scope_version"
	}
	return &RedisVersion{rdb: rdb, key: key}
}

// Current returns the shared version. A missing key is version zero.
func (v *RedisVersion) Current(ctx context.Context) (uint64, error) {
	n, err := v.rdb.Get(ctx, v.key).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Bump advances the shared version and returns the new value.
func (v *RedisVersion) Bump(ctx context.Context) (uint64, error) {
	n, err := v.rdb.Incr(ctx, v.key).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}
