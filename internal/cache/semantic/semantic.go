// Package semantic provides similarity-based cache matching: responses are
// indexed by an embedding of the prompt, and a lookup accepts the best
// stored match whose cosine similarity meets the configured threshold.
package semantic

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Embedder generates embedding vectors for prompt text. Implementations
// live with the backend adapters; the cache only consumes the interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// Entry is one stored vector with its cached response payload.
type Entry struct {
	ID        string        `json:"id"`
	Scope     string        `json:"scope"`
	Vector    []float64     `json:"vector"`
	Response  []byte        `json:"response"`
	BackendID string        `json:"backend_id,omitempty"`
	CreatedAt int64         `json:"created_at"`
	TTL       time.Duration `json:"-"`
}

// Match is a successful similarity lookup.
type Match struct {
	Entry      Entry
	Similarity float64
}

// PurgeFilter selects entries for bulk removal.
type PurgeFilter struct {
	BackendID string
	OlderThan time.Duration
}

// Store holds vectors per scope. Search scans entries within one scope and
// returns the best match at or above the threshold, or nil. The scan is
// linear but bounded by the store's scan cap.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Search(ctx context.Context, scope string, vector []float64, threshold float64) (*Match, error)
	Purge(ctx context.Context, f PurgeFilter) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config holds semantic cache parameters.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a hit.
	// The default is deliberately high to avoid false matches on
	// structurally similar but semantically different prompts.
	SimilarityThreshold float64
	DefaultTTL          time.Duration
}

// DefaultConfig returns the standard semantic cache parameters.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.95,
		DefaultTTL:          time.Hour,
	}
}

// Cache matches prompts against stored embeddings.
type Cache struct {
	embedder  Embedder
	store     Store
	threshold float64
	ttl       time.Duration

	hits       atomic.Int64
	misses     atomic.Int64
	sets       atomic.Int64
	embedCalls atomic.Int64
}

// New creates a semantic cache over the given embedder and vector store.
func New(embedder Embedder, store Store, cfg Config) (*Cache, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = 0.95
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	return &Cache{
		embedder:  embedder,
		store:     store,
		threshold: cfg.SimilarityThreshold,
		ttl:       cfg.DefaultTTL,
	}, nil
}

// Get returns the best stored match for the prompt, or nil on a miss.
func (c *Cache) Get(ctx context.Context, scope, prompt string) (*Match, error) {
	if prompt == "" {
		c.misses.Add(1)
		return nil, nil
	}

	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate embedding: %w", err)
	}
	c.embedCalls.Add(1)

	match, err := c.store.Search(ctx, scope, vec, c.threshold)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if match == nil {
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return match, nil
}

// Set stores a response under the prompt's embedding.
func (c *Cache) Set(ctx context.Context, scope, prompt string, response []byte, backendID string, ttl time.Duration) error {
	if prompt == "" || len(response) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		return fmt.Errorf("generate embedding: %w", err)
	}
	c.embedCalls.Add(1)

	entry := Entry{
		ID:        uuid.NewString(),
		Scope:     scope,
		Vector:    vec,
		Response:  response,
		BackendID: backendID,
		CreatedAt: time.Now().Unix(),
		TTL:       ttl,
	}
	if err := c.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("vector insert: %w", err)
	}
	c.sets.Add(1)
	return nil
}

// Purge removes entries matching the filter and returns the count removed.
func (c *Cache) Purge(ctx context.Context, f PurgeFilter) (int, error) {
	return c.store.Purge(ctx, f)
}

// Threshold returns the configured similarity threshold.
func (c *Cache) Threshold() float64 { return c.threshold }

// Stats holds semantic cache statistics.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Sets       int64 `json:"sets"`
	EmbedCalls int64 `json:"embed_calls"`
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Sets:       c.sets.Load(),
		EmbedCalls: c.embedCalls.Load(),
	}
}

// Cosine computes cosine similarity between two vectors of equal length.
// Returns 0 for mismatched or zero-magnitude vectors.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
