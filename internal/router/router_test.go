package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/resilience"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"github.com/modelgate/modelgate/pkg/types"
)

// stubCircuits reports fixed states, StateClosed by default.
type stubCircuits struct {
	states map[string]resilience.CircuitState
}

func (s *stubCircuits) State(backend string) resilience.CircuitState {
	return s.states[backend]
}

func testCatalog(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	descriptors := []registry.Descriptor{
		{
			ID:                   "openai-gpt4o",
			Provider:             "openai",
			Capabilities:         []types.Capability{types.CapabilityText, types.CapabilityVision, types.CapabilityStreaming},
			ContextWindow:        128000,
			MaxOutputTokens:      16384,
			InputCostPerMillion:  2.5,
			OutputCostPerMillion: 10,
			LatencyP50:           800 * time.Millisecond,
			LatencyP99:           3 * time.Second,
			Regions:              []string{"us", "eu"},
			QualityScores:        map[string]float64{"reasoning": 0.90, "vision": 0.92},
		},
		{
			ID:                   "anthropic-sonnet",
			Provider:             "anthropic",
			Capabilities:         []types.Capability{types.CapabilityText, types.CapabilityVision, types.CapabilityToolUse, types.CapabilityStreaming},
			ContextWindow:        200000,
			MaxOutputTokens:      8192,
			InputCostPerMillion:  3,
			OutputCostPerMillion: 15,
			LatencyP50:           600 * time.Millisecond,
			LatencyP99:           2 * time.Second,
			Regions:              []string{"us"},
			QualityScores:        map[string]float64{"reasoning": 0.94, "vision": 0.89},
		},
		{
			ID:                   "local-llama",
			Provider:             "vllm",
			Capabilities:         []types.Capability{types.CapabilityText, types.CapabilityStreaming},
			ContextWindow:        32000,
			MaxOutputTokens:      4096,
			InputCostPerMillion:  0.2,
			OutputCostPerMillion: 0.2,
			CommittedCapacity:    true,
			LatencyP50:           300 * time.Millisecond,
			LatencyP99:           time.Second,
			QualityScores:        map[string]float64{"reasoning": 0.70},
		},
	}
	for _, d := range descriptors {
		require.NoError(t, reg.Register(d))
	}
	return reg
}

func textRequest() *types.InferenceRequest {
	return &types.InferenceRequest{
		CallerID: "caller",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hello"}},
		Requirements: types.Requirements{
			Capabilities: []types.Capability{types.CapabilityText},
		},
	}
}

func newTestRouter(t *testing.T, circuits CircuitStateProvider) *Router {
	t.Helper()
	return New(testCatalog(t), circuits, DefaultConfig(), nil)
}

func TestRoute_CostOptimizedPrefersCommittedCapacity(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	dec, err := r.Route(context.Background(), textRequest(), types.StrategyCostOptimized)
	require.NoError(t, err)
	assert.Equal(t, "local-llama", dec.BackendID)
	assert.Equal(t, "vllm", dec.Provider)
	// Projected cost uses MaxOutputTokens when the request does not cap
	// output, which puts the smaller-output sonnet ahead of gpt4o.
	assert.Equal(t, []string{"anthropic-sonnet", "openai-gpt4o"}, dec.Fallbacks)
	assert.Zero(t, dec.EstimatedCost)
}

func TestRoute_LatencyOptimized(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	dec, err := r.Route(context.Background(), textRequest(), types.StrategyLatencyOptimized)
	require.NoError(t, err)
	assert.Equal(t, "local-llama", dec.BackendID)
	assert.Equal(t, []string{"anthropic-sonnet", "openai-gpt4o"}, dec.Fallbacks)
	assert.Equal(t, 300*time.Millisecond, dec.EstimatedLatency)
}

func TestRoute_QualityOptimized(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	req := textRequest()
	req.Requirements.QualityDimension = "reasoning"

	dec, err := r.Route(context.Background(), req, types.StrategyQualityOptimized)
	require.NoError(t, err)
	assert.Equal(t, "anthropic-sonnet", dec.BackendID)
	assert.Equal(t, []string{"openai-gpt4o", "local-llama"}, dec.Fallbacks)
}

func TestRoute_ProviderPinned(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	req := textRequest()
	req.Constraints.PreferredBackends = []string{"openai-gpt4o", "anthropic-sonnet"}

	dec, err := r.Route(context.Background(), req, types.StrategyProviderPinned)
	require.NoError(t, err)
	assert.Equal(t, "openai-gpt4o", dec.BackendID)
	assert.Equal(t, []string{"anthropic-sonnet", "local-llama"}, dec.Fallbacks)
}

func TestRoute_CapabilityFilter(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	req := textRequest()
	req.Requirements.Capabilities = []types.Capability{types.CapabilityVision, types.CapabilityToolUse}

	dec, err := r.Route(context.Background(), req, types.StrategyLatencyOptimized)
	require.NoError(t, err)
	assert.Equal(t, "anthropic-sonnet", dec.BackendID)
	assert.Empty(t, dec.Fallbacks)
}

func TestRoute_NoCapableBackend(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	req := textRequest()
	req.Requirements.Capabilities = []types.Capability{"audio"}

	_, err := r.Route(context.Background(), req, types.StrategyCostOptimized)
	require.Error(t, err)
	assert.Equal(t, gwerrors.CodeNoCapableBackend, gwerrors.CodeOf(err))
}

func TestRoute_ExcludedBackends(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	req := textRequest()
	req.Constraints.ExcludedBackends = []string{"local-llama"}

	dec, err := r.Route(context.Background(), req, types.StrategyCostOptimized)
	require.NoError(t, err)
	assert.NotEqual(t, "local-llama", dec.BackendID)
	assert.NotContains(t, dec.Fallbacks, "local-llama")
}

func TestRoute_ContextWindowFilter(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	req := textRequest()
	req.Requirements.MinContextTokens = 150000

	dec, err := r.Route(context.Background(), req, types.StrategyCostOptimized)
	require.NoError(t, err)
	assert.Equal(t, "anthropic-sonnet", dec.BackendID)

	// An exactly-full window is not enough; the bound is strict.
	req.Requirements.MinContextTokens = 200000
	_, err = r.Route(context.Background(), req, types.StrategyCostOptimized)
	require.Error(t, err)
	assert.Equal(t, gwerrors.CodeContextExceeded, gwerrors.CodeOf(err))

	req.Requirements.MinContextTokens = 500000
	_, err = r.Route(context.Background(), req, types.StrategyCostOptimized)
	require.Error(t, err)
	assert.Equal(t, gwerrors.CodeContextExceeded, gwerrors.CodeOf(err))
}

func TestRoute_ResidencyFilter(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	req := textRequest()
	req.Constraints.AllowedRegions = []string{"eu"}

	dec, err := r.Route(context.Background(), req, types.StrategyCostOptimized)
	require.NoError(t, err)
	// local-llama declares no regions, so it is unrestricted.
	assert.Equal(t, "local-llama", dec.BackendID)
	assert.Equal(t, []string{"openai-gpt4o"}, dec.Fallbacks)

	req.Constraints.AllowedRegions = []string{"apac"}
	req.Constraints.ExcludedBackends = []string{"local-llama"}
	_, err = r.Route(context.Background(), req, types.StrategyCostOptimized)
	require.Error(t, err)
	assert.Equal(t, gwerrors.CodeResidencyViolation, gwerrors.CodeOf(err))
}

func TestRoute_HealthFilterSkipsOpenCircuits(t *testing.T) {
	circuits := &stubCircuits{states: map[string]resilience.CircuitState{
		"local-llama": resilience.StateOpen,
	}}
	r := newTestRouter(t, circuits)

	dec, err := r.Route(context.Background(), textRequest(), types.StrategyCostOptimized)
	require.NoError(t, err)
	assert.NotEqual(t, "local-llama", dec.BackendID)
	assert.NotContains(t, dec.Fallbacks, "local-llama")
}

func TestRoute_HalfOpenStaysEligible(t *testing.T) {
	circuits := &stubCircuits{states: map[string]resilience.CircuitState{
		"local-llama": resilience.StateHalfOpen,
	}}
	r := newTestRouter(t, circuits)

	dec, err := r.Route(context.Background(), textRequest(), types.StrategyCostOptimized)
	require.NoError(t, err)
	assert.Equal(t, "local-llama", dec.BackendID)
}

func TestRoute_AllUnhealthy(t *testing.T) {
	circuits := &stubCircuits{states: map[string]resilience.CircuitState{
		"local-llama":      resilience.StateOpen,
		"openai-gpt4o":     resilience.StateOpen,
		"anthropic-sonnet": resilience.StateOpen,
	}}
	r := newTestRouter(t, circuits)

	_, err := r.Route(context.Background(), textRequest(), types.StrategyCostOptimized)
	require.Error(t, err)
	assert.Equal(t, gwerrors.CodeAllUnhealthy, gwerrors.CodeOf(err))
}

func TestRoute_LatencyCeilingIsSoft(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	req := textRequest()
	req.Constraints.MaxLatency = 1500 * time.Millisecond

	dec, err := r.Route(context.Background(), req, types.StrategyLatencyOptimized)
	require.NoError(t, err)
	assert.Equal(t, "local-llama", dec.BackendID)
	assert.Empty(t, dec.Fallbacks)

	// A ceiling nobody meets keeps the full candidate set.
	req.Constraints.MaxLatency = time.Millisecond
	dec, err = r.Route(context.Background(), req, types.StrategyLatencyOptimized)
	require.NoError(t, err)
	assert.Len(t, dec.Fallbacks, 2)
}

func TestRoute_Deterministic(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})
	req := textRequest()

	first, err := r.Route(context.Background(), req, types.StrategyCostOptimized)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Route(context.Background(), req, types.StrategyCostOptimized)
		require.NoError(t, err)
		assert.Equal(t, first.BackendID, again.BackendID)
		assert.Equal(t, first.Fallbacks, again.Fallbacks)
	}
}

func TestRoute_DefaultStrategyApplied(t *testing.T) {
	r := newTestRouter(t, &stubCircuits{})

	dec, err := r.Route(context.Background(), textRequest(), "")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyCostOptimized, dec.Strategy)
}
