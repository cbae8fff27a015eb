package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisHooks stores each document's latest snapshot bytes as a Redis
// string, grounded on the streamspace API's internal/cache.Cache
// connection-pooling conventions. No TTL is set — unlike presence
// state, document content should not expire on its own.
type RedisHooks struct {
	client *redis.Client
}

// NewRedisHooks wraps an existing *redis.Client. The caller owns its
// lifecycle.
func NewRedisHooks(client *redis.Client) *RedisHooks {
	return &RedisHooks{client: client}
}

func redisDocKey(name string) string {
	return fmt.Sprintf("loro:doc:%s", name)
}

// LoadDocument implements Hooks.
func (r *RedisHooks) LoadDocument(ctx context.Context, name string) (LoadResult, error) {
	b, err := r.client.Get(ctx, redisDocKey(name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return LoadResult{}, nil
		}
		return LoadResult{}, fmt.Errorf("persistence: redis load %s: %w", name, err)
	}
	return LoadResult{Snapshot: b}, nil
}

// StoreDocument implements Hooks.
func (r *RedisHooks) StoreDocument(ctx context.Context, name string, bytes []byte) error {
	if err := r.client.Set(ctx, redisDocKey(name), bytes, 0).Err(); err != nil {
		return fmt.Errorf("persistence: redis store %s: %w", name, err)
	}
	return nil
}
