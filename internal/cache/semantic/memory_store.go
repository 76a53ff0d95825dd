package semantic

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps vectors in process memory. Each scope holds at most
// maxScan entries; inserting beyond the cap evicts the oldest entry, which
// both bounds memory and bounds the linear search.
type MemoryStore struct {
	mu      sync.RWMutex
	scopes  map[string][]storedEntry
	maxScan int

	now func() time.Time
}

type storedEntry struct {
	entry     Entry
	expiresAt time.Time
}

// DefaultMaxScan bounds the per-scope linear scan.
const DefaultMaxScan = 1024

// NewMemoryStore creates an in-process vector store.
func NewMemoryStore(maxScan int) *MemoryStore {
	if maxScan <= 0 {
		maxScan = DefaultMaxScan
	}
	return &MemoryStore{
		scopes:  make(map[string][]storedEntry),
		maxScan: maxScan,
		now:     time.Now,
	}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := time.Time{}
	if e.TTL > 0 {
		expires = s.now().Add(e.TTL)
	}
	entries := s.scopes[e.Scope]
	entries = append(entries, storedEntry{entry: e, expiresAt: expires})
	if len(entries) > s.maxScan {
		entries = entries[len(entries)-s.maxScan:]
	}
	s.scopes[e.Scope] = entries
	return nil
}

// Search implements Store: best match at or above threshold within scope.
func (s *MemoryStore) Search(_ context.Context, scope string, vector []float64, threshold float64) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var best *Match
	for i := range s.scopes[scope] {
		se := &s.scopes[scope][i]
		if !se.expiresAt.IsZero() && now.After(se.expiresAt) {
			continue
		}
		sim := Cosine(vector, se.entry.Vector)
		if sim < threshold {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &Match{Entry: se.entry, Similarity: sim}
		}
	}
	return best, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, f PurgeFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := int64(0)
	if f.OlderThan > 0 {
		cutoff = s.now().Add(-f.OlderThan).Unix()
	}

	removed := 0
	for scope, entries := range s.scopes {
		kept := entries[:0]
		for _, se := range entries {
			drop := false
			if f.BackendID != "" && se.entry.BackendID == f.BackendID {
				drop = true
			}
			if cutoff > 0 && se.entry.CreatedAt <= cutoff {
				drop = true
			}
			if drop {
				removed++
			} else {
				kept = append(kept, se)
			}
		}
		s.scopes[scope] = kept
	}
	return removed, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = make(map[string][]storedEntry)
	return nil
}
