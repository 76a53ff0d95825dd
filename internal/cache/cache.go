package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelgate/modelgate/internal/cache/semantic"
	"github.com/modelgate/modelgate/internal/observability"
	"github.com/modelgate/modelgate/pkg/types"
)

// Config holds cache behavior parameters.
type Config struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// DefaultConfig returns the standard cache parameters.
func DefaultConfig() Config {
	return Config{Enabled: true, DefaultTTL: time.Hour}
}

// entry is the serialized envelope written to the exact-match store.
type entry struct {
	Fingerprint string `json:"fingerprint"`
	BackendID   string `json:"backend_id"`
	Provider    string `json:"provider"`
	Response    []byte `json:"response"`
	CreatedAt   int64  `json:"created_at"`
}

// Filter selects entries for bulk invalidation. Zero fields are ignored;
// at least one must be set.
type Filter struct {
	BackendID string
	OlderThan time.Duration
}

// Stats holds cache counters for observability.
type Stats struct {
	ExactHits    int64          `json:"exact_hits"`
	SemanticHits int64          `json:"semantic_hits"`
	Misses       int64          `json:"misses"`
	Sets         int64          `json:"sets"`
	Errors       int64          `json:"errors"`
	Semantic     semantic.Stats `json:"semantic"`
}

// Cache is the similarity-aware response memo. Lookups try the exact
// fingerprint first, then fall back to semantic matching when enabled.
// All operations are best-effort: infrastructure failures are logged and
// treated as misses or no-ops, never propagated.
type Cache struct {
	store    Store
	semantic *semantic.Cache
	config   Config
	logger   *observability.Logger

	exactHits    atomic.Int64
	semanticHits atomic.Int64
	misses       atomic.Int64
	sets         atomic.Int64
	errors       atomic.Int64
}

// New creates a cache over the exact-match store; sem may be nil to
// disable similarity matching.
func New(store Store, sem *semantic.Cache, cfg Config, logger *observability.Logger) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Cache{store: store, semantic: sem, config: cfg, logger: logger}
}

// Get returns a cached response for the request, or nil on a miss. A hit
// is marked Cached with zero added latency; semantic hits carry their
// similarity score.
func (c *Cache) Get(ctx context.Context, req *types.InferenceRequest) *types.InferenceResponse {
	if !c.config.Enabled || c.store == nil || !req.Cache.Enabled {
		return nil
	}

	fp := Fingerprint(req)
	data, err := c.store.Get(ctx, fp)
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("cache read failed, treating as miss", "error", err)
	} else if data != nil {
		if resp := decodeEntry(data); resp != nil {
			c.exactHits.Add(1)
			resp.Cached = true
			resp.Similarity = 1
			resp.LatencyMs = 0
			return resp
		}
	}

	if c.semantic == nil {
		c.misses.Add(1)
		return nil
	}

	match, err := c.semantic.Get(ctx, Scope(req), PromptText(req))
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("semantic lookup failed, treating as miss", "error", err)
		c.misses.Add(1)
		return nil
	}
	if match == nil {
		c.misses.Add(1)
		return nil
	}

	var resp types.InferenceResponse
	if err := json.Unmarshal(match.Entry.Response, &resp); err != nil {
		c.misses.Add(1)
		return nil
	}
	c.semanticHits.Add(1)
	resp.Cached = true
	resp.Similarity = match.Similarity
	resp.LatencyMs = 0
	return &resp
}

// Set writes the response under the request's fingerprint and, when
// similarity matching is enabled, stores the embedding alongside.
func (c *Cache) Set(ctx context.Context, req *types.InferenceRequest, resp *types.InferenceResponse) {
	if !c.config.Enabled || c.store == nil || !req.Cache.Enabled || req.Cache.NoStore {
		return
	}
	if !resp.Success() {
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		c.errors.Add(1)
		return
	}

	ttl := c.config.DefaultTTL
	if req.Cache.TTL > 0 {
		ttl = req.Cache.TTL
	}

	fp := Fingerprint(req)
	env, err := json.Marshal(entry{
		Fingerprint: fp,
		BackendID:   resp.BackendID,
		Provider:    resp.Provider,
		Response:    payload,
		CreatedAt:   time.Now().Unix(),
	})
	if err != nil {
		c.errors.Add(1)
		return
	}

	if err := c.store.Set(ctx, fp, env, ttl); err != nil {
		c.errors.Add(1)
		c.logger.Warn("cache write failed", "error", err)
		return
	}
	c.sets.Add(1)

	if c.semantic != nil {
		if err := c.semantic.Set(ctx, Scope(req), PromptText(req), payload, resp.BackendID, ttl); err != nil {
			c.errors.Add(1)
			c.logger.Warn("semantic write failed", "error", err)
		}
	}
}

// Invalidate removes entries matching the filter from both the exact
// store and the semantic store, returning the number removed from the
// exact store.
func (c *Cache) Invalidate(ctx context.Context, f Filter) (int, error) {
	if c.store == nil {
		return 0, nil
	}

	cutoff := int64(0)
	if f.OlderThan > 0 {
		cutoff = time.Now().Add(-f.OlderThan).Unix()
	}

	var stale []string
	err := c.store.ForEach(ctx, func(key string, value []byte) bool {
		var e entry
		if err := json.Unmarshal(value, &e); err != nil {
			return true
		}
		if f.BackendID != "" && e.BackendID == f.BackendID {
			stale = append(stale, key)
			return true
		}
		if cutoff > 0 && e.CreatedAt <= cutoff {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range stale {
		if err := c.store.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}

	if c.semantic != nil {
		if _, err := c.semantic.Purge(ctx, semantic.PurgeFilter{
			BackendID: f.BackendID,
			OlderThan: f.OlderThan,
		}); err != nil {
			c.logger.Warn("semantic purge failed", "error", err)
		}
	}
	return removed, nil
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		ExactHits:    c.exactHits.Load(),
		SemanticHits: c.semanticHits.Load(),
		Misses:       c.misses.Load(),
		Sets:         c.sets.Load(),
		Errors:       c.errors.Load(),
	}
	if c.semantic != nil {
		s.Semantic = c.semantic.Stats()
	}
	return s
}

// Ping checks the exact-match store.
func (c *Cache) Ping(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Ping(ctx)
}

// Close releases store resources.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func decodeEntry(data []byte) *types.InferenceResponse {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	var resp types.InferenceResponse
	if err := json.Unmarshal(e.Response, &resp); err != nil {
		return nil
	}
	return &resp
}
