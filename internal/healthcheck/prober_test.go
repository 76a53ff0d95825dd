package healthcheck

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/pkg/backend"
	"github.com/modelgate/modelgate/pkg/types"
)

type probeAdapter struct {
	name string

	mu      sync.Mutex
	healthy bool
}

func (a *probeAdapter) setHealthy(h bool) {
	a.mu.Lock()
	a.healthy = h
	a.mu.Unlock()
}

func (a *probeAdapter) Name() string { return a.name }

func (a *probeAdapter) HealthCheck(context.Context) (backend.Health, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return backend.Health{Healthy: a.healthy}, nil
}

func (a *probeAdapter) Complete(context.Context, *types.InferenceRequest, string) (*types.InferenceResponse, error) {
	return nil, nil
}

func (a *probeAdapter) Stream(context.Context, *types.InferenceRequest, string) (backend.StreamReader, error) {
	return nil, nil
}

func (a *probeAdapter) SupportsCapability(types.Capability) bool { return true }
func (a *probeAdapter) SupportsModel(string) bool                { return true }

func proberFixture(t *testing.T) (*Prober, *probeAdapter, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Descriptor{
		ID:              "b1",
		Provider:        "stub",
		Capabilities:    []types.Capability{types.CapabilityText},
		ContextWindow:   8000,
		MaxOutputTokens: 1000,
	}))

	adapter := &probeAdapter{name: "stub", healthy: true}
	p := NewProber(Config{Enabled: true, FailuresToDisable: 2}, reg,
		map[string]backend.Adapter{"stub": adapter}, nil)
	return p, adapter, reg
}

func TestProber_DisablesAfterConsecutiveFailures(t *testing.T) {
	p, adapter, reg := proberFixture(t)
	ctx := context.Background()

	adapter.setHealthy(false)
	p.RunOnce(ctx)
	assert.False(t, p.Disabled("stub"))
	assert.Equal(t, registry.StatusActive, reg.Get("b1").Status)

	p.RunOnce(ctx)
	assert.True(t, p.Disabled("stub"))
	assert.Equal(t, registry.StatusDisabled, reg.Get("b1").Status)
}

func TestProber_ReenablesOnRecovery(t *testing.T) {
	p, adapter, reg := proberFixture(t)
	ctx := context.Background()

	adapter.setHealthy(false)
	p.RunOnce(ctx)
	p.RunOnce(ctx)
	require.True(t, p.Disabled("stub"))

	adapter.setHealthy(true)
	p.RunOnce(ctx)
	assert.False(t, p.Disabled("stub"))
	assert.Equal(t, registry.StatusActive, reg.Get("b1").Status)
}

func TestProber_HealthyProbeResetsCounter(t *testing.T) {
	p, adapter, _ := proberFixture(t)
	ctx := context.Background()

	adapter.setHealthy(false)
	p.RunOnce(ctx)
	adapter.setHealthy(true)
	p.RunOnce(ctx)
	adapter.setHealthy(false)
	p.RunOnce(ctx)
	assert.False(t, p.Disabled("stub"))
}
