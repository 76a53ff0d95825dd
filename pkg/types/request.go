// Package types defines the request and response types exchanged between
// the gateway core, backend adapters, and callers. All fields are explicit
// and validated; no loosely-typed maps cross package boundaries.
package types

import (
	"fmt"
	"time"
)

// Capability identifies a feature a backend can serve.
type Capability string

const (
	CapabilityText      Capability = "text"
	CapabilityVision    Capability = "vision"
	CapabilityToolUse   Capability = "tool-use"
	CapabilityStreaming Capability = "streaming"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationParams control sampling on the backend side.
// Pointer fields distinguish "unset" from zero values.
type GenerationParams struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Requirements describe what the request needs from a backend.
type Requirements struct {
	Capabilities     []Capability `json:"capabilities,omitempty"`
	MinContextTokens int          `json:"min_context_tokens,omitempty"`
	// QualityDimension names the score used by quality-optimized routing,
	// e.g. "reasoning", "code", "chat".
	QualityDimension string `json:"quality_dimension,omitempty"`
}

// Constraints restrict which backends may serve the request and how.
type Constraints struct {
	MaxLatency        time.Duration `json:"max_latency,omitempty"`
	MaxCostPerMillion float64       `json:"max_cost_per_million,omitempty"`
	PreferredBackends []string      `json:"preferred_backends,omitempty"`
	ExcludedBackends  []string      `json:"excluded_backends,omitempty"`
	AllowedRegions    []string      `json:"allowed_regions,omitempty"`
}

// CacheOptions control per-request cache behavior.
type CacheOptions struct {
	Enabled bool          `json:"enabled"`
	TTL     time.Duration `json:"ttl,omitempty"`
	// NoStore skips the cache write while still allowing reads.
	NoStore bool `json:"no_store,omitempty"`
}

// InferenceRequest is a single gateway call. It is immutable once built;
// the gateway never mutates caller-owned requests.
type InferenceRequest struct {
	ID       string `json:"id,omitempty"`
	CallerID string `json:"caller_id"`

	System   string           `json:"system,omitempty"`
	Messages []Message        `json:"messages"`
	Params   GenerationParams `json:"params"`

	Requirements Requirements `json:"requirements,omitempty"`
	Constraints  Constraints  `json:"constraints,omitempty"`
	Cache        CacheOptions `json:"cache,omitempty"`
	// Strategy overrides the gateway's default ranking strategy for this
	// request only. Empty means use the default.
	Strategy Strategy `json:"strategy,omitempty"`
	Stream   bool     `json:"stream,omitempty"`

	// EstimatedInputTokens may be supplied by the caller or the entry layer.
	// When zero the gateway falls back to a length-based estimate; exact
	// token counting belongs to the backend adapters.
	EstimatedInputTokens int `json:"estimated_input_tokens,omitempty"`
}

// Validate checks the minimum shape required to dispatch the request.
func (r *InferenceRequest) Validate() error {
	if r.CallerID == "" {
		return fmt.Errorf("caller_id is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d]: role is required", i)
		}
	}
	if r.Strategy != "" && !r.Strategy.Valid() {
		return fmt.Errorf("unknown strategy %q", r.Strategy)
	}
	return nil
}

// InputTokenEstimate returns the caller-supplied estimate when present,
// otherwise a rough length-based approximation.
func (r *InferenceRequest) InputTokenEstimate() int {
	if r.EstimatedInputTokens > 0 {
		return r.EstimatedInputTokens
	}
	chars := len(r.System)
	for _, m := range r.Messages {
		chars += len(m.Content)
	}
	est := chars / 4
	if est < 1 {
		est = 1
	}
	return est
}

// Strategy selects how the router ranks candidate backends.
type Strategy string

const (
	StrategyCostOptimized    Strategy = "cost-optimized"
	StrategyLatencyOptimized Strategy = "latency-optimized"
	StrategyQualityOptimized Strategy = "quality-optimized"
	StrategyProviderPinned   Strategy = "provider-pinned"
)

// Valid reports whether s is a known routing strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCostOptimized, StrategyLatencyOptimized,
		StrategyQualityOptimized, StrategyProviderPinned:
		return true
	}
	return false
}
