// Package registry maintains the catalog of backends the gateway can
// dispatch to, indexed by capability and by provider.
package registry

import (
	"fmt"
	"sync"
	"time"

	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"github.com/modelgate/modelgate/pkg/types"
)

// Status is the lifecycle state of a backend.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusDisabled   Status = "disabled"
)

// Descriptor describes one backend: its capabilities, limits, costs and
// declared latency profile. Descriptors are immutable once registered;
// only Status changes, and only through UpdateStatus.
type Descriptor struct {
	ID       string `json:"id" yaml:"id"`
	Provider string `json:"provider" yaml:"provider"`

	Capabilities    []types.Capability `json:"capabilities" yaml:"capabilities"`
	ContextWindow   int                `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int                `json:"max_output_tokens" yaml:"max_output_tokens"`

	// Costs are USD per million tokens.
	InputCostPerMillion  float64 `json:"input_cost_per_million" yaml:"input_cost_per_million"`
	OutputCostPerMillion float64 `json:"output_cost_per_million" yaml:"output_cost_per_million"`
	CachedCostPerMillion float64 `json:"cached_cost_per_million" yaml:"cached_cost_per_million"`
	// CommittedCapacity marks pre-paid deployments, ranked as zero cost.
	CommittedCapacity bool `json:"committed_capacity" yaml:"committed_capacity"`

	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute" yaml:"tokens_per_minute"`

	LatencyP50 time.Duration `json:"latency_p50" yaml:"latency_p50"`
	LatencyP99 time.Duration `json:"latency_p99" yaml:"latency_p99"`

	Status Status `json:"status" yaml:"status"`

	// Regions lists where the backend may process data. Empty means
	// unrestricted.
	Regions []string `json:"regions,omitempty" yaml:"regions,omitempty"`

	// QualityScores maps a quality dimension (e.g. "reasoning") to a
	// 0-1 score used by quality-optimized routing.
	QualityScores map[string]float64 `json:"quality_scores,omitempty" yaml:"quality_scores,omitempty"`
}

// HasCapability reports whether the descriptor declares c.
func (d *Descriptor) HasCapability(c types.Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ServesRegion reports whether the backend may process data for any of the
// allowed regions. An empty Regions list means unrestricted.
func (d *Descriptor) ServesRegion(allowed []string) bool {
	if len(d.Regions) == 0 {
		return true
	}
	for _, want := range allowed {
		for _, have := range d.Regions {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (d *Descriptor) validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if d.ContextWindow <= 0 {
		return fmt.Errorf("context_window must be positive")
	}
	if d.MaxOutputTokens <= 0 {
		return fmt.Errorf("max_output_tokens must be positive")
	}
	return nil
}

// Registry is the backend catalog. Lookups are O(1) via maintained
// indexes. Updates are expected to be rare (config load / hot reload) and
// are serialized behind a write lock.
type Registry struct {
	mu           sync.RWMutex
	backends     map[string]*Descriptor
	byCapability map[types.Capability]map[string]*Descriptor
	byProvider   map[string]map[string]*Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		backends:     make(map[string]*Descriptor),
		byCapability: make(map[types.Capability]map[string]*Descriptor),
		byProvider:   make(map[string]map[string]*Descriptor),
	}
}

// Register validates and indexes a backend descriptor. Registering an
// already known id is a configuration error.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return gwerrors.NewConfiguration(gwerrors.CodeInvalidDescriptor,
			fmt.Sprintf("backend %q: %v", d.ID, err))
	}
	if d.Status == "" {
		d.Status = StatusActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[d.ID]; exists {
		return gwerrors.NewConfiguration(gwerrors.CodeInvalidDescriptor,
			fmt.Sprintf("backend %q already registered", d.ID))
	}

	stored := d
	r.backends[d.ID] = &stored
	for _, c := range stored.Capabilities {
		if r.byCapability[c] == nil {
			r.byCapability[c] = make(map[string]*Descriptor)
		}
		r.byCapability[c][stored.ID] = &stored
	}
	if r.byProvider[stored.Provider] == nil {
		r.byProvider[stored.Provider] = make(map[string]*Descriptor)
	}
	r.byProvider[stored.Provider][stored.ID] = &stored
	return nil
}

// Get returns the descriptor for id, or nil if unknown. The returned
// value is a copy; callers cannot mutate registry state through it.
func (r *Registry) Get(id string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.backends[id]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// GetOrFail returns the descriptor for id or a configuration error.
func (r *Registry) GetOrFail(id string) (*Descriptor, error) {
	if d := r.Get(id); d != nil {
		return d, nil
	}
	return nil, gwerrors.NewConfiguration(gwerrors.CodeBackendNotFound,
		fmt.Sprintf("backend %q is not registered", id))
}

// ListByCapabilities returns all active backends supporting every listed
// capability. An empty requirement list returns all active backends.
func (r *Registry) ListByCapabilities(required []types.Capability) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(required) == 0 {
		out := make([]*Descriptor, 0, len(r.backends))
		for _, d := range r.backends {
			if d.Status == StatusActive {
				cp := *d
				out = append(out, &cp)
			}
		}
		return out
	}

	// Intersect starting from the first capability's index.
	first, ok := r.byCapability[required[0]]
	if !ok {
		return nil
	}
	out := make([]*Descriptor, 0, len(first))
	for id, d := range first {
		if d.Status != StatusActive {
			continue
		}
		match := true
		for _, c := range required[1:] {
			if _, ok := r.byCapability[c][id]; !ok {
				match = false
				break
			}
		}
		if match {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// ListByProvider returns all backends registered for the provider.
func (r *Registry) ListByProvider(provider string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.byProvider[provider]))
	for _, d := range r.byProvider[provider] {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// UpdateStatus changes the lifecycle status of a backend.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.backends[id]
	if !ok {
		return gwerrors.NewConfiguration(gwerrors.CodeBackendNotFound,
			fmt.Sprintf("backend %q is not registered", id))
	}
	d.Status = status
	return nil
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}
