package ephemeral

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Polqt/lorohub/internal/logger"
)

// RedisStore is a Store backed by Redis SETEX/GET, grounded on the
// streamspace API's internal/cache.Cache connection-pooling
// conventions. It exists for horizontally scaled deployments where
// presence state (cursors, selections) must be visible across hub
// instances, not just within one process's connection set.
//
// Keys are namespaced under "loro:ephemeral:<document>:<key>" and
// stored as base64 text (Redis strings are binary-safe, but base64
// keeps values easy to inspect with redis-cli during incident
// response).
type RedisStore struct {
	client   *redis.Client
	document string
	ttl      time.Duration

	mu   sync.Mutex
	subs []func(delta []byte)
}

// NewRedisStore builds a RedisStore scoped to one document name. The
// caller owns the *redis.Client's lifecycle (it is typically shared
// across every document's RedisStore).
func NewRedisStore(client *redis.Client, document string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, document: document, ttl: ttl}
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("loro:ephemeral:%s:%s", s.document, key)
}

// Set writes key to Redis with the store's TTL and notifies local
// subscribers (so a Provider co-located with this store relays it
// outward immediately, without waiting on a round trip to Redis).
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	encoded := base64.StdEncoding.EncodeToString(value)
	if err := s.client.Set(ctx, s.redisKey(key), encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("ephemeral: redis set %s: %w", key, err)
	}

	delta := EncodeDelta(key, value)
	s.mu.Lock()
	subs := append([]func([]byte){}, s.subs...)
	s.mu.Unlock()
	for _, cb := range subs {
		cb(delta)
	}
	return nil
}

// Apply implements Store: writes the decoded delta to Redis,
// refreshing its TTL. A received delta is not a local change, so local
// subscribers are not notified. A Redis write error is logged and
// swallowed rather than returned up through the broadcast path — a
// missed presence update is not worth tearing down the connection over
// (mirrors spec.md's treatment of ImportError: log, don't fail the
// caller). A delta that fails to decode is returned as an error.
func (s *RedisStore) Apply(delta []byte) error {
	key, value, err := decodeDelta(delta)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	encoded := base64.StdEncoding.EncodeToString(value)
	if err := s.client.Set(ctx, s.redisKey(key), encoded, s.ttl).Err(); err != nil {
		logger.Ephemeral().Warn().Err(err).Str("document", s.document).Msg("ephemeral redis apply failed")
	}
	return nil
}

// SubscribeLocalUpdates implements Store.
func (s *RedisStore) SubscribeLocalUpdates(cb func(delta []byte)) UnsubscribeFunc {
	s.mu.Lock()
	s.subs = append(s.subs, cb)
	idx := len(s.subs) - 1
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if idx < len(s.subs) {
				s.subs[idx] = nil
			}
		})
	}
}

// Encode implements Store.
func (s *RedisStore) Encode(key string) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	v, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil
	}
	value, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil
	}
	return EncodeDelta(key, value)
}

// EncodeAll implements Store by scanning the document's key
// namespace. Intended for seeding a newly joined peer; not meant to
// be called at high frequency against a large key space.
func (s *RedisStore) EncodeAll() [][]byte {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pattern := s.redisKey("*")
	var out [][]byte
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	prefix := s.redisKey("")
	for iter.Next(ctx) {
		full := iter.Val()
		key := full[len(prefix):]
		if d := s.Encode(key); d != nil {
			out = append(out, d)
		}
	}
	return out
}

// TTL implements TTLStore.
func (s *RedisStore) TTL() time.Duration { return s.ttl }
