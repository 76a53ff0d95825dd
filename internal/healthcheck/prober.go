// Package healthcheck provides proactive provider probing. Circuit
// breakers react to request failures; the prober catches providers that
// degrade while carrying no traffic, and flips their backends between
// active and disabled in the catalog.
package healthcheck

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelgate/modelgate/internal/observability"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/pkg/backend"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
)

// Config controls the prober behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
	// FailuresToDisable is how many consecutive failed probes disable a
	// provider's backends.
	FailuresToDisable int
}

// Prober periodically checks provider health and updates backend statuses.
type Prober struct {
	cfg      Config
	registry *registry.Registry
	adapters map[string]backend.Adapter
	logger   *observability.Logger
	started  atomic.Bool

	mu       sync.Mutex
	failures map[string]int
	disabled map[string]bool
}

// NewProber creates a prober over the given adapters.
func NewProber(cfg Config, reg *registry.Registry, adapters map[string]backend.Adapter, logger *observability.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.FailuresToDisable <= 0 {
		cfg.FailuresToDisable = 3
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Prober{
		cfg:      cfg,
		registry: reg,
		adapters: adapters,
		logger:   logger,
		failures: make(map[string]int),
		disabled: make(map[string]bool),
	}
}

// Start begins the probe loop until the context is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		}
	}
}

// RunOnce probes every adapter once and applies status changes.
func (p *Prober) RunOnce(ctx context.Context) {
	for name, adapter := range p.adapters {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		health, err := adapter.HealthCheck(probeCtx)
		cancel()

		healthy := err == nil && health.Healthy
		p.apply(name, healthy)
	}
}

func (p *Prober) apply(provider string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if healthy {
		p.failures[provider] = 0
		if p.disabled[provider] {
			p.disabled[provider] = false
			p.setStatus(provider, registry.StatusActive)
			p.logger.Info("provider recovered, backends re-enabled", "provider", provider)
		}
		return
	}

	p.failures[provider]++
	p.logger.Warn("provider probe failed",
		"provider", provider, "consecutive", p.failures[provider])
	if p.failures[provider] >= p.cfg.FailuresToDisable && !p.disabled[provider] {
		p.disabled[provider] = true
		p.setStatus(provider, registry.StatusDisabled)
		p.logger.Error("provider disabled after repeated probe failures", "provider", provider)
	}
}

func (p *Prober) setStatus(provider string, status registry.Status) {
	for _, d := range p.registry.ListByProvider(provider) {
		if err := p.registry.UpdateStatus(d.ID, status); err != nil {
			p.logger.Warn("status update failed", "backend", d.ID, "error", err)
		}
	}
}

// Disabled reports whether the prober currently holds the provider's
// backends disabled.
func (p *Prober) Disabled(provider string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled[provider]
}
