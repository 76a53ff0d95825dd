package semantic

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists vectors in Redis so similarity state is shared
// across gateway instances and survives restarts. Entries are JSON values
// with a TTL; Search scans the scope's keys and scores vectors in
// process, capped at maxScan entries per lookup.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	maxScan   int
}

// NewRedisStore creates a Redis-backed vector store.
func NewRedisStore(client redis.UniversalClient, namespace string, maxScan int) *RedisStore {
	if namespace == "" {
		namespace = "modelgate:semantic"
	}
	if maxScan <= 0 {
		maxScan = DefaultMaxScan
	}
	return &RedisStore{client: client, namespace: namespace, maxScan: maxScan}
}

func (s *RedisStore) key(scope, id string) string {
	return s.namespace + ":" + scope + ":" + id
}

// Insert implements Store.
func (s *RedisStore) Insert(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ttl := e.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return s.client.Set(ctx, s.key(e.Scope, e.ID), data, ttl).Err()
}

// Search implements Store.
func (s *RedisStore) Search(ctx context.Context, scope string, vector []float64, threshold float64) (*Match, error) {
	iter := s.client.Scan(ctx, 0, s.namespace+":"+scope+":*", 100).Iterator()

	var best *Match
	scanned := 0
	for iter.Next(ctx) {
		if scanned >= s.maxScan {
			break
		}
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		scanned++

		sim := Cosine(vector, e.Vector)
		if sim < threshold {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &Match{Entry: e, Similarity: sim}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return best, nil
}

// Purge implements Store.
func (s *RedisStore) Purge(ctx context.Context, f PurgeFilter) (int, error) {
	iter := s.client.Scan(ctx, 0, s.namespace+":*", 100).Iterator()

	cutoff := int64(0)
	if f.OlderThan > 0 {
		cutoff = time.Now().Add(-f.OlderThan).Unix()
	}

	removed := 0
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}

		drop := false
		if f.BackendID != "" && e.BackendID == f.BackendID {
			drop = true
		}
		if cutoff > 0 && e.CreatedAt <= cutoff {
			drop = true
		}
		if drop {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, iter.Err()
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
