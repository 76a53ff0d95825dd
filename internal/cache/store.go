// Package cache provides the response memo for the gateway: exact-match
// lookup by request fingerprint, with optional similarity matching via
// the semantic subpackage. Every operation is best-effort; a failing
// store degrades hit rate, never availability.
package cache

import (
	"context"
	"time"
)

// Store is the exact-match key/value backend. Implementations must treat
// a missing key as (nil, nil), not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// ForEach visits every live entry. The walk stops when fn returns
	// false. Used by bulk invalidation; not a hot path.
	ForEach(ctx context.Context, fn func(key string, value []byte) bool) error

	Ping(ctx context.Context) error
	Close() error
}
