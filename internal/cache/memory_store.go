package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process TTL store built on go-cache. Suitable for
// single-instance deployments and tests; shared deployments use RedisStore.
type MemoryStore struct {
	inner *gocache.Cache
}

// NewMemoryStore creates an in-process store with the given default TTL.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &MemoryStore{
		inner: gocache.New(defaultTTL, 5*time.Minute),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.inner.Get(key)
	if !ok {
		return nil, nil
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, nil
	}
	return data, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	s.inner.Set(key, value, ttl)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.inner.Delete(key)
	return nil
}

// ForEach implements Store.
func (s *MemoryStore) ForEach(_ context.Context, fn func(key string, value []byte) bool) error {
	for key, item := range s.inner.Items() {
		data, ok := item.Object.([]byte)
		if !ok {
			continue
		}
		if !fn(key, data) {
			return nil
		}
	}
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.inner.Flush()
	return nil
}
