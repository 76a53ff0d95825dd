package modelgate

import (
	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/internal/observability"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/resilience"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/usage"
	"github.com/modelgate/modelgate/pkg/backend"
)

type options struct {
	registry      *registry.Registry
	adapters      map[string]backend.Adapter
	breakerConfig resilience.BreakerConfig
	routerConfig  router.Config
	limiter       *resilience.Limiter
	limitFor      func(caller string) resilience.Limit
	cache         *cache.Cache
	usageEmitter  *usage.Emitter
	queueCapacity int
	queueWorkers  int
	logger        *observability.Logger
}

func defaultOptions() options {
	return options{
		adapters:      make(map[string]backend.Adapter),
		breakerConfig: resilience.DefaultBreakerConfig(),
		routerConfig:  router.DefaultConfig(),
		logger:        observability.NewNopLogger(),
	}
}

// Option configures the gateway.
type Option func(*options)

// WithRegistry sets the backend catalog.
func WithRegistry(reg *registry.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithBackends builds a registry from descriptors. It panics on invalid
// descriptors; use WithRegistry for error handling.
func WithBackends(descriptors ...registry.Descriptor) Option {
	return func(o *options) {
		reg := registry.New()
		for _, d := range descriptors {
			if err := reg.Register(d); err != nil {
				panic(err)
			}
		}
		o.registry = reg
	}
}

// WithAdapter registers a provider adapter, keyed by its Name.
func WithAdapter(a backend.Adapter) Option {
	return func(o *options) { o.adapters[a.Name()] = a }
}

// WithBreakerConfig overrides circuit breaker parameters.
func WithBreakerConfig(cfg resilience.BreakerConfig) Option {
	return func(o *options) { o.breakerConfig = cfg }
}

// WithRouterConfig overrides routing defaults.
func WithRouterConfig(cfg router.Config) Option {
	return func(o *options) { o.routerConfig = cfg }
}

// WithRateLimiter enables admission control. limitFor resolves the limit
// for a caller; returning a zero Limit admits unconditionally.
func WithRateLimiter(l *resilience.Limiter, limitFor func(caller string) resilience.Limit) Option {
	return func(o *options) {
		o.limiter = l
		o.limitFor = limitFor
	}
}

// WithCache enables response caching.
func WithCache(c *cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithUsageEmitter enables usage accounting.
func WithUsageEmitter(e *usage.Emitter) Option {
	return func(o *options) { o.usageEmitter = e }
}

// WithQueue enables the admission queue. Saturation failures park the
// request instead of failing it; workers retry as capacity returns.
func WithQueue(capacity, workers int) Option {
	return func(o *options) {
		o.queueCapacity = capacity
		o.queueWorkers = workers
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(o *options) { o.logger = l }
}
