package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared exact-match backend. Entries carry a TTL so
// they survive process restarts and expire without sweeping.
type RedisStore struct {
	client     redis.UniversalClient
	namespace  string
	defaultTTL time.Duration
}

// NewRedisStore creates a Redis-backed store. The namespace prefixes every
// key so multiple gateways can share one Redis.
func NewRedisStore(client redis.UniversalClient, namespace string, defaultTTL time.Duration) *RedisStore {
	if namespace == "" {
		namespace = "modelgate:cache"
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &RedisStore{client: client, namespace: namespace, defaultTTL: defaultTTL}
}

func (s *RedisStore) key(k string) string { return s.namespace + ":" + k }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// ForEach implements Store using SCAN, so the walk never blocks Redis.
func (s *RedisStore) ForEach(ctx context.Context, fn func(key string, value []byte) bool) error {
	iter := s.client.Scan(ctx, 0, s.namespace+":*", 100).Iterator()
	prefixLen := len(s.namespace) + 1
	for iter.Next(ctx) {
		full := iter.Val()
		data, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		if !fn(full[prefixLen:], data) {
			return nil
		}
	}
	return iter.Err()
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
