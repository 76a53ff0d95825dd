// Package modelgate is a dispatch gateway for LLM inference traffic. It
// routes each request to the best available backend under the caller's
// constraints, with circuit breaking, rate limiting, similarity-aware
// response caching, bounded admission queuing and automatic failover.
package modelgate

import (
	"context"
	"sync"
	"time"

	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/observability"
	"github.com/modelgate/modelgate/internal/queue"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/resilience"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/usage"
	"github.com/modelgate/modelgate/pkg/backend"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"github.com/modelgate/modelgate/pkg/types"
)

// Gateway is the dispatch orchestrator. Construct it with New and release
// resources with Close. Safe for concurrent use.
type Gateway struct {
	registry *registry.Registry
	router   *router.Router
	breakers *resilience.BreakerSet
	limiter  *resilience.Limiter
	limitFor func(caller string) resilience.Limit
	cache    *cache.Cache
	adapters map[string]backend.Adapter
	usage    *usage.Emitter
	logger   *observability.Logger

	queue   *queue.Queue
	pending sync.Map // request ID -> chan dispatchResult
	workers sync.WaitGroup
	qCancel context.CancelFunc

	closeOnce sync.Once
}

type dispatchResult struct {
	resp *types.InferenceResponse
	err  error
}

// New builds a gateway from the given options. At least one backend
// adapter and a registry with one active backend are required.
func New(opts ...Option) (*Gateway, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.registry == nil || cfg.registry.Len() == 0 {
		return nil, gwerrors.NewConfiguration(gwerrors.CodeBackendNotFound,
			"no backends registered")
	}
	if len(cfg.adapters) == 0 {
		return nil, gwerrors.NewConfiguration(gwerrors.CodeInvalidDescriptor,
			"no backend adapters registered")
	}

	breakers := resilience.NewBreakerSet(cfg.breakerConfig)
	breakers.OnStateChange(func(backendID string, from, to resilience.CircuitState) {
		metrics.CircuitTransitions.WithLabelValues(backendID, from.String(), to.String()).Inc()
	})

	g := &Gateway{
		registry: cfg.registry,
		breakers: breakers,
		limiter:  cfg.limiter,
		limitFor: cfg.limitFor,
		cache:    cfg.cache,
		adapters: cfg.adapters,
		usage:    cfg.usageEmitter,
		logger:   cfg.logger,
	}
	g.router = router.New(cfg.registry, breakers, cfg.routerConfig, cfg.logger)

	if cfg.queueCapacity > 0 {
		g.queue = queue.New(cfg.queueCapacity)
		qctx, cancel := context.WithCancel(context.Background())
		g.qCancel = cancel
		workers := cfg.queueWorkers
		if workers <= 0 {
			workers = 2
		}
		for i := 0; i < workers; i++ {
			g.workers.Add(1)
			go g.drainQueue(qctx)
		}
	}

	return g, nil
}

// Complete dispatches a non-streaming inference request and returns the
// terminal response or error.
func (g *Gateway) Complete(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, gwerrors.NewConfiguration(gwerrors.CodeInvalidRequest, err.Error())
	}
	ctx, req = g.prepare(ctx, req)
	log := g.logger.WithRequestID(ctx)
	started := time.Now()

	if err := g.checkRateLimit(ctx, req); err != nil {
		return nil, err
	}

	if g.cache != nil {
		if resp := g.cache.Get(ctx, req); resp != nil {
			kind := "semantic"
			if resp.Similarity >= 1 {
				kind = "exact"
			}
			metrics.CacheLookups.WithLabelValues(kind).Inc()
			g.emitUsage(req, resp, started, 0, "cache_hit")
			return resp, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	resp, err := g.dispatch(ctx, req)
	if err != nil && g.queue != nil && shouldQueue(err) {
		log.Info("backends saturated, parking request", "error", err)
		resp, err = g.dispatchQueued(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	resp.LatencyMs = time.Since(started).Milliseconds()
	if g.cache != nil {
		g.cache.Set(ctx, req, resp)
	}
	return resp, nil
}

// Stream dispatches a streaming request. Streaming responses are never
// cached; everything else in the pipeline applies.
func (g *Gateway) Stream(ctx context.Context, req *types.InferenceRequest) (backend.StreamReader, error) {
	if err := req.Validate(); err != nil {
		return nil, gwerrors.NewConfiguration(gwerrors.CodeInvalidRequest, err.Error())
	}
	ctx, req = g.prepare(ctx, req)

	if err := g.checkRateLimit(ctx, req); err != nil {
		return nil, err
	}

	caps := req.Requirements.Capabilities
	if !hasCapability(caps, types.CapabilityStreaming) {
		streamReq := *req
		streamReq.Requirements.Capabilities = append(
			append([]types.Capability(nil), caps...), types.CapabilityStreaming)
		req = &streamReq
	}

	dec, err := g.router.Route(ctx, req, g.strategy(req))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, backendID := range candidateChain(dec) {
		if i > 0 {
			metrics.Failovers.WithLabelValues(dec.BackendID, backendID).Inc()
		}
		reader, err := g.streamOne(ctx, req, backendID)
		if err == nil {
			return reader, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, exhausted(dec, lastErr)
}

// Invalidate drops cached responses matching the filter. A nil cache is a
// no-op.
func (g *Gateway) Invalidate(ctx context.Context, f cache.Filter) (int, error) {
	if g.cache == nil {
		return 0, nil
	}
	return g.cache.Invalidate(ctx, f)
}

// Stats is a point-in-time snapshot of gateway internals.
type Stats struct {
	Backends      int                                `json:"backends"`
	CircuitStates map[string]resilience.CircuitState `json:"circuit_states"`
	Cache         *cache.Stats                       `json:"cache,omitempty"`
	Queue         *queue.Stats                       `json:"queue,omitempty"`
	UsageDropped  int64                              `json:"usage_dropped"`
}

// Stats returns a snapshot of circuit, cache and queue state.
func (g *Gateway) Stats() Stats {
	s := Stats{
		Backends:      g.registry.Len(),
		CircuitStates: g.breakers.States(),
	}
	if g.cache != nil {
		cs := g.cache.Stats()
		s.Cache = &cs
	}
	if g.queue != nil {
		qs := g.queue.Stats()
		s.Queue = &qs
	}
	if g.usage != nil {
		s.UsageDropped = g.usage.Dropped()
	}
	return s
}

// Registry returns the backend catalog, for status updates and inspection.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Close releases the queue workers, usage emitter and cache.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.queue != nil {
			g.queue.Close()
			g.qCancel()
			g.workers.Wait()
		}
		if g.usage != nil {
			err = g.usage.Close()
		}
		if g.cache != nil {
			if cerr := g.cache.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

// prepare assigns a request ID when missing and threads it through ctx.
func (g *Gateway) prepare(ctx context.Context, req *types.InferenceRequest) (context.Context, *types.InferenceRequest) {
	if req.ID == "" {
		withID := *req
		withID.ID = observability.GenerateRequestID()
		req = &withID
	}
	return observability.ContextWithRequestID(ctx, req.ID), req
}

func (g *Gateway) strategy(req *types.InferenceRequest) types.Strategy {
	if req.Strategy != "" {
		return req.Strategy
	}
	if len(req.Constraints.PreferredBackends) > 0 {
		return types.StrategyProviderPinned
	}
	return ""
}

// checkRateLimit runs the single pre-dispatch admission check. The bucket
// key pins to the first preferred backend when the request is pinned,
// otherwise the caller's shared bucket.
func (g *Gateway) checkRateLimit(ctx context.Context, req *types.InferenceRequest) error {
	if g.limiter == nil || g.limitFor == nil {
		return nil
	}
	backendKey := "*"
	if len(req.Constraints.PreferredBackends) > 0 {
		backendKey = req.Constraints.PreferredBackends[0]
	}
	err := g.limiter.Check(ctx, req.CallerID, backendKey,
		int64(req.InputTokenEstimate()), g.limitFor(req.CallerID))
	if err != nil {
		kind := "requests"
		if gwerrors.CodeOf(err) == gwerrors.CodeUnitRateExceeded {
			kind = "units"
		}
		metrics.RateLimitRejections.WithLabelValues(req.CallerID, backendKey, kind).Inc()
	}
	return err
}

// dispatch routes and executes with failover across the decision chain.
func (g *Gateway) dispatch(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	started := time.Now()
	dec, err := g.router.Route(ctx, req, g.strategy(req))
	if err != nil {
		return nil, err
	}

	var lastErr error
	attempts := 0
	for i, backendID := range candidateChain(dec) {
		if i > 0 {
			metrics.Failovers.WithLabelValues(dec.BackendID, backendID).Inc()
		}
		attempts++
		resp, err := g.callBackend(ctx, req, backendID)
		if err == nil {
			metrics.RequestsTotal.WithLabelValues(backendID, resp.Provider, "success").Inc()
			metrics.RequestLatency.WithLabelValues(backendID, resp.Provider).
				Observe(time.Since(started).Seconds())
			resp.CostEstimate = g.costOf(backendID, resp.Usage)
			g.emitUsage(req, resp, started, attempts-1, "success")
			return resp, nil
		}
		lastErr = err
		metrics.RequestsTotal.WithLabelValues(backendID, g.providerOf(backendID), "error").Inc()
		if ctx.Err() != nil {
			return nil, err
		}
		// A failed attempt never surfaces directly while candidates
		// remain; the next one may succeed where this one cannot.
		g.logger.WithRequestID(ctx).Warn("backend attempt failed",
			"backend", backendID, "error", err)
	}

	g.emitFailure(req, started, attempts)
	return nil, exhausted(dec, lastErr)
}

// callBackend runs one attempt under the backend's circuit breaker.
func (g *Gateway) callBackend(ctx context.Context, req *types.InferenceRequest, backendID string) (*types.InferenceResponse, error) {
	desc, err := g.registry.GetOrFail(backendID)
	if err != nil {
		return nil, err
	}
	adapter, ok := g.adapters[desc.Provider]
	if !ok {
		return nil, gwerrors.NewConfiguration(gwerrors.CodeBackendNotFound,
			"no adapter registered for provider "+desc.Provider)
	}

	var resp *types.InferenceResponse
	br := g.breakers.Get(backendID)
	err = br.Call(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = adapter.Complete(ctx, req, backendID)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	resp.BackendID = backendID
	resp.Provider = desc.Provider
	return resp, nil
}

func (g *Gateway) streamOne(ctx context.Context, req *types.InferenceRequest, backendID string) (backend.StreamReader, error) {
	desc, err := g.registry.GetOrFail(backendID)
	if err != nil {
		return nil, err
	}
	adapter, ok := g.adapters[desc.Provider]
	if !ok {
		return nil, gwerrors.NewConfiguration(gwerrors.CodeBackendNotFound,
			"no adapter registered for provider "+desc.Provider)
	}

	br := g.breakers.Get(backendID)
	if err := br.Admit(); err != nil {
		return nil, err
	}
	reader, err := adapter.Stream(ctx, req, backendID)
	if err != nil {
		br.RecordFailure()
		return nil, err
	}
	// Stream setup succeeded; mid-stream failures are the reader's problem.
	br.RecordSuccess()
	metrics.RequestsTotal.WithLabelValues(backendID, desc.Provider, "success").Inc()
	return reader, nil
}

// dispatchQueued parks the request and waits for a worker to drain it.
func (g *Gateway) dispatchQueued(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	reply := make(chan dispatchResult, 1)
	g.pending.Store(req.ID, reply)
	defer g.pending.Delete(req.ID)

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	item := queue.Item{
		Request:  req,
		Priority: queue.PriorityStandard,
		Deadline: deadline,
	}
	if err := g.queue.Enqueue(item); err != nil {
		return nil, err
	}
	metrics.QueueDepth.Set(float64(g.queue.Size()))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-reply:
		return res.resp, res.err
	}
}

func (g *Gateway) drainQueue(ctx context.Context) {
	defer g.workers.Done()
	for {
		it, err := g.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		metrics.QueueDepth.Set(float64(g.queue.Size()))

		// The caller's deadline bounds the dispatch too; a request whose
		// waiter has given up must not run its fallback chain to the end.
		dctx := observability.ContextWithRequestID(ctx, it.Request.ID)
		cancel := context.CancelFunc(func() {})
		if !it.Deadline.IsZero() {
			dctx, cancel = context.WithDeadline(dctx, it.Deadline)
		}
		resp, derr := g.dispatch(dctx, it.Request)
		cancel()
		ch, ok := g.pending.LoadAndDelete(it.Request.ID)
		if !ok {
			// Waiter gave up; count it as dropped work.
			metrics.QueueDropped.WithLabelValues("abandoned").Inc()
			continue
		}
		ch.(chan dispatchResult) <- dispatchResult{resp: resp, err: derr}
	}
}

func (g *Gateway) providerOf(backendID string) string {
	if desc := g.registry.Get(backendID); desc != nil {
		return desc.Provider
	}
	return "unknown"
}

func (g *Gateway) costOf(backendID string, u types.Usage) float64 {
	desc := g.registry.Get(backendID)
	if desc == nil || desc.CommittedCapacity {
		return 0
	}
	return (float64(u.InputTokens)*desc.InputCostPerMillion +
		float64(u.OutputTokens)*desc.OutputCostPerMillion) / 1e6
}

func (g *Gateway) emitUsage(req *types.InferenceRequest, resp *types.InferenceResponse, started time.Time, failovers int, outcome string) {
	if g.usage == nil {
		return
	}
	rec := usage.Record{
		RequestID:    req.ID,
		CallerID:     req.CallerID,
		BackendID:    resp.BackendID,
		Provider:     resp.Provider,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostEstimate: resp.CostEstimate,
		LatencyMs:    time.Since(started).Milliseconds(),
		CacheHit:     resp.Cached,
		Failovers:    failovers,
		Outcome:      outcome,
	}
	g.usage.Emit(rec)
	if !resp.Cached {
		metrics.TokensProcessed.WithLabelValues(resp.BackendID, "input").Add(float64(resp.Usage.InputTokens))
		metrics.TokensProcessed.WithLabelValues(resp.BackendID, "output").Add(float64(resp.Usage.OutputTokens))
	}
}

func (g *Gateway) emitFailure(req *types.InferenceRequest, started time.Time, failovers int) {
	if g.usage == nil {
		return
	}
	g.usage.Emit(usage.Record{
		RequestID: req.ID,
		CallerID:  req.CallerID,
		LatencyMs: time.Since(started).Milliseconds(),
		Failovers: failovers,
		Outcome:   "exhausted",
	})
}

func candidateChain(dec *router.Decision) []string {
	return append([]string{dec.BackendID}, dec.Fallbacks...)
}

// shouldQueue reports whether the failure indicates saturation a queued
// retry could outlast, rather than a permanent routing dead end.
func shouldQueue(err error) bool {
	switch gwerrors.CodeOf(err) {
	case gwerrors.CodeAllUnhealthy, gwerrors.CodeAllBackendsUnavailable:
		return true
	}
	return false
}

func exhausted(dec *router.Decision, lastErr error) error {
	return &gwerrors.Error{
		Category:  gwerrors.CategoryRouting,
		Code:      gwerrors.CodeAllBackendsUnavailable,
		Message:   "primary and all fallback backends failed",
		BackendID: dec.BackendID,
		Err:       lastErr,
	}
}

func hasCapability(caps []types.Capability, c types.Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}
