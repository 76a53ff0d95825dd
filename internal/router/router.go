// Package router selects which backend serves a request. Selection runs a
// fixed filter pipeline over the registry catalog, then ranks the survivors
// with the requested strategy. The output is one primary plus a bounded
// fallback chain; execution and retry are the orchestrator's job.
package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/modelgate/modelgate/internal/observability"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/resilience"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"github.com/modelgate/modelgate/pkg/types"
)

// Filter stage names, used in routing errors and logs.
const (
	StageCapability = "capability"
	StageContext    = "context"
	StageResidency  = "residency"
	StageHealth     = "health"
	StageLatency    = "latency"
	StageRanking    = "ranking"
)

// CircuitStateProvider exposes per-backend breaker state to the health
// filter. *resilience.BreakerSet satisfies it.
type CircuitStateProvider interface {
	State(backend string) resilience.CircuitState
}

// Config holds router tunables.
type Config struct {
	// DefaultStrategy applies when the request carries no override.
	DefaultStrategy types.Strategy
	// MaxFallbacks caps the fallback chain length.
	MaxFallbacks int
}

// DefaultConfig returns the standard router configuration.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: types.StrategyCostOptimized,
		MaxFallbacks:    2,
	}
}

// Decision is the routing outcome: a primary backend and up to
// MaxFallbacks alternates, ranked by the same strategy.
type Decision struct {
	BackendID string
	Provider  string
	Fallbacks []string
	Strategy  types.Strategy

	// EstimatedCost is the projected USD cost of serving the request on
	// the primary backend.
	EstimatedCost    float64
	EstimatedLatency time.Duration
	Reason           string
}

// Router runs the selection pipeline.
type Router struct {
	registry *registry.Registry
	circuits CircuitStateProvider
	cfg      Config
	logger   *observability.Logger
}

// New creates a router over the given catalog and breaker view.
func New(reg *registry.Registry, circuits CircuitStateProvider, cfg Config, logger *observability.Logger) *Router {
	if cfg.MaxFallbacks <= 0 {
		cfg.MaxFallbacks = 2
	}
	if !cfg.DefaultStrategy.Valid() {
		cfg.DefaultStrategy = types.StrategyCostOptimized
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Router{registry: reg, circuits: circuits, cfg: cfg, logger: logger}
}

// Route selects the primary backend and fallback chain for the request.
// An empty strategy falls back to the configured default. Each filter
// stage that empties the candidate set is a distinct terminal error.
func (r *Router) Route(ctx context.Context, req *types.InferenceRequest, strategy types.Strategy) (*Decision, error) {
	if !strategy.Valid() {
		strategy = r.cfg.DefaultStrategy
	}

	// Stage 1: capability, active status, explicit exclusions.
	candidates := r.registry.ListByCapabilities(req.Requirements.Capabilities)
	candidates = excludeBackends(candidates, req.Constraints.ExcludedBackends)
	if len(candidates) == 0 {
		return nil, gwerrors.NewRouting(gwerrors.CodeNoCapableBackend, StageCapability,
			fmt.Sprintf("no active backend supports capabilities %v", req.Requirements.Capabilities))
	}

	// Stage 2: context window.
	needed := req.InputTokenEstimate() + req.Params.MaxTokens
	if req.Requirements.MinContextTokens > needed {
		needed = req.Requirements.MinContextTokens
	}
	// The window must strictly exceed the estimate; an exactly-full
	// context leaves no room for the response framing.
	candidates = keep(candidates, func(d *registry.Descriptor) bool {
		return d.ContextWindow > needed
	})
	if len(candidates) == 0 {
		return nil, gwerrors.NewRouting(gwerrors.CodeContextExceeded, StageContext,
			fmt.Sprintf("no candidate has a context window of %d tokens", needed))
	}

	// Stage 3: data residency.
	if regions := req.Constraints.AllowedRegions; len(regions) > 0 {
		candidates = keep(candidates, func(d *registry.Descriptor) bool {
			return d.ServesRegion(regions)
		})
		if len(candidates) == 0 {
			return nil, gwerrors.NewRouting(gwerrors.CodeResidencyViolation, StageResidency,
				fmt.Sprintf("no capable backend serves regions %v", regions))
		}
	}

	// Stage 4: circuit health. Open circuits are skipped; half-open ones
	// stay eligible so trial traffic can probe recovery.
	if r.circuits != nil {
		candidates = keep(candidates, func(d *registry.Descriptor) bool {
			return r.circuits.State(d.ID) != resilience.StateOpen
		})
		if len(candidates) == 0 {
			return nil, gwerrors.NewRouting(gwerrors.CodeAllUnhealthy, StageHealth,
				"all capable backends have open circuits")
		}
	}

	// Stage 5: latency ceiling. Soft: when nothing meets the ceiling the
	// full set survives rather than failing the request.
	if ceiling := req.Constraints.MaxLatency; ceiling > 0 {
		within := keep(candidates, func(d *registry.Descriptor) bool {
			return d.LatencyP99 > 0 && d.LatencyP99 <= ceiling
		})
		if len(within) > 0 {
			candidates = within
		}
	}

	// Stage 6: strategy ranking with deterministic tie-breaking.
	ranked := r.rank(candidates, req, strategy)

	primary := ranked[0]
	fallbacks := make([]string, 0, r.cfg.MaxFallbacks)
	for _, d := range ranked[1:] {
		if len(fallbacks) == r.cfg.MaxFallbacks {
			break
		}
		fallbacks = append(fallbacks, d.ID)
	}

	dec := &Decision{
		BackendID:        primary.ID,
		Provider:         primary.Provider,
		Fallbacks:        fallbacks,
		Strategy:         strategy,
		EstimatedCost:    estimateCost(primary, req),
		EstimatedLatency: primary.LatencyP50,
		Reason:           fmt.Sprintf("strategy=%s candidates=%d", strategy, len(ranked)),
	}

	r.logger.WithRequestID(ctx).Debug("routing decision",
		"backend", dec.BackendID,
		"provider", dec.Provider,
		"strategy", string(strategy),
		"fallbacks", fallbacks,
	)
	return dec, nil
}

// rank orders candidates by the strategy score, ties broken by backend ID
// so the same catalog always yields the same chain.
func (r *Router) rank(candidates []*registry.Descriptor, req *types.InferenceRequest, strategy types.Strategy) []*registry.Descriptor {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID < candidates[j].ID
	})

	switch strategy {
	case types.StrategyCostOptimized:
		sort.SliceStable(candidates, func(i, j int) bool {
			return estimateCost(candidates[i], req) < estimateCost(candidates[j], req)
		})
	case types.StrategyLatencyOptimized:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].LatencyP50 < candidates[j].LatencyP50
		})
	case types.StrategyQualityOptimized:
		dim := req.Requirements.QualityDimension
		sort.SliceStable(candidates, func(i, j int) bool {
			return qualityScore(candidates[i], dim) > qualityScore(candidates[j], dim)
		})
	case types.StrategyProviderPinned:
		pinned := pinRank(req.Constraints.PreferredBackends)
		sort.SliceStable(candidates, func(i, j int) bool {
			ri, rj := pinned(candidates[i].ID), pinned(candidates[j].ID)
			if ri != rj {
				return ri < rj
			}
			return candidates[i].LatencyP50 < candidates[j].LatencyP50
		})
	}
	return candidates
}

// estimateCost projects the USD cost of the request on the backend.
// Committed-capacity deployments are already paid for and rank as free.
func estimateCost(d *registry.Descriptor, req *types.InferenceRequest) float64 {
	if d.CommittedCapacity {
		return 0
	}
	in := float64(req.InputTokenEstimate())
	out := float64(req.Params.MaxTokens)
	if out == 0 {
		out = float64(d.MaxOutputTokens)
	}
	return (in*d.InputCostPerMillion + out*d.OutputCostPerMillion) / 1e6
}

func qualityScore(d *registry.Descriptor, dimension string) float64 {
	if dimension == "" {
		// Without a named dimension use the backend's best score.
		best := 0.0
		for _, s := range d.QualityScores {
			if s > best {
				best = s
			}
		}
		return best
	}
	return d.QualityScores[dimension]
}

// pinRank returns the preference index of a backend, or a rank past the
// end of the list for unpinned backends.
func pinRank(preferred []string) func(id string) int {
	index := make(map[string]int, len(preferred))
	for i, id := range preferred {
		if _, seen := index[id]; !seen {
			index[id] = i
		}
	}
	return func(id string) int {
		if i, ok := index[id]; ok {
			return i
		}
		return len(preferred)
	}
}

func excludeBackends(candidates []*registry.Descriptor, excluded []string) []*registry.Descriptor {
	if len(excluded) == 0 {
		return candidates
	}
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	return keep(candidates, func(d *registry.Descriptor) bool {
		_, drop := skip[d.ID]
		return !drop
	})
}

func keep(in []*registry.Descriptor, pred func(*registry.Descriptor) bool) []*registry.Descriptor {
	out := in[:0]
	for _, d := range in {
		if pred(d) {
			out = append(out, d)
		}
	}
	return out
}
