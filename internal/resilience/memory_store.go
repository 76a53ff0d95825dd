package resilience

import (
	"context"
	"sync"
	"time"
)

// bucketPeriod is the refill period for both buckets.
const bucketPeriod = time.Minute

// MemoryBucketStore keeps token buckets in process memory, one dual
// bucket per key with its own lock. Suitable for single-instance
// deployments; multi-instance deployments share state via RedisBucketStore.
type MemoryBucketStore struct {
	mu      sync.RWMutex
	buckets map[string]*dualBucket

	now func() time.Time
}

type dualBucket struct {
	mu         sync.Mutex
	requests   float64
	units      float64
	lastRefill time.Time
	primed     bool
}

// NewMemoryBucketStore creates an in-process bucket store.
func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{
		buckets: make(map[string]*dualBucket),
		now:     time.Now,
	}
}

// Take implements BucketStore. Refill-then-deduct runs under the bucket's
// own lock, so concurrent callers on the same key never race.
func (s *MemoryBucketStore) Take(_ context.Context, key string, lim Limit, units int64) (TakeResult, error) {
	b := s.bucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := s.now()
	if !b.primed {
		// New buckets start full.
		b.requests = float64(lim.RequestsPerMinute)
		b.units = float64(lim.UnitsPerMinute)
		b.lastRefill = now
		b.primed = true
	} else {
		elapsed := now.Sub(b.lastRefill)
		if elapsed > 0 {
			frac := elapsed.Seconds() / bucketPeriod.Seconds()
			b.requests = min(float64(lim.RequestsPerMinute), b.requests+frac*float64(lim.RequestsPerMinute))
			b.units = min(float64(lim.UnitsPerMinute), b.units+frac*float64(lim.UnitsPerMinute))
			b.lastRefill = now
		}
	}

	// All-or-nothing: neither bucket is deducted unless both can cover.
	if lim.RequestsPerMinute > 0 && b.requests < 1 {
		return TakeResult{Exceeded: LimitRequests, RequestsRemaining: b.requests, UnitsRemaining: b.units}, nil
	}
	if lim.UnitsPerMinute > 0 && b.units < float64(units) {
		return TakeResult{Exceeded: LimitUnits, RequestsRemaining: b.requests, UnitsRemaining: b.units}, nil
	}

	if lim.RequestsPerMinute > 0 {
		b.requests--
	}
	if lim.UnitsPerMinute > 0 {
		b.units -= float64(units)
	}
	return TakeResult{Allowed: true, RequestsRemaining: b.requests, UnitsRemaining: b.units}, nil
}

func (s *MemoryBucketStore) bucket(key string) *dualBucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &dualBucket{}
	s.buckets[key] = b
	return b
}
