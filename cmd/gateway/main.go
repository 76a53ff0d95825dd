// Package main is the entry point for the modelgate server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/modelgate/modelgate"
	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/healthcheck"
	"github.com/modelgate/modelgate/internal/observability"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/resilience"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/usage"
	"github.com/modelgate/modelgate/pkg/backend"
	"github.com/modelgate/modelgate/pkg/backend/openaicompat"
	"github.com/modelgate/modelgate/pkg/types"
)

func main() {
	configPath := flag.String("config", "config/gateway.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	manager, err := config.NewManager(configPath, nil)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()
	cfg := manager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	})
	logger.Info("starting modelgate", "backends", len(cfg.Backends))

	reg := registry.New()
	for _, d := range cfg.Backends {
		if err := reg.Register(d); err != nil {
			return err
		}
	}

	opts := []modelgate.Option{
		modelgate.WithRegistry(reg),
		modelgate.WithLogger(logger),
		modelgate.WithBreakerConfig(resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			HalfOpenTrialCap: cfg.Breaker.HalfOpenTrialCap,
		}),
		modelgate.WithRouterConfig(router.Config{
			DefaultStrategy: types.Strategy(cfg.Routing.DefaultStrategy),
			MaxFallbacks:    cfg.Routing.MaxFallbacks,
		}),
	}

	adapters := make(map[string]backend.Adapter, len(cfg.Providers))
	for _, p := range cfg.Providers {
		adapter, err := openaicompat.New(openaicompat.Config{
			Name:    p.Name,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Models:  p.Models,
			Timeout: p.Timeout,
		})
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
		adapters[p.Name] = adapter
		opts = append(opts, modelgate.WithAdapter(adapter))
	}

	if cfg.RateLimit.Enabled {
		opts = append(opts, buildRateLimiter(cfg, logger))
	}
	if cfg.Cache.Enabled {
		opts = append(opts, modelgate.WithCache(buildCache(cfg, logger)))
	}
	if cfg.Queue.Capacity > 0 {
		opts = append(opts, modelgate.WithQueue(cfg.Queue.Capacity, cfg.Queue.Workers))
	}

	emitter, err := buildUsage(cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, modelgate.WithUsageEmitter(emitter))

	gw, err := modelgate.New(opts...)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober := healthcheck.NewProber(healthcheck.Config{Enabled: true}, reg, adapters, logger)
	prober.Start(ctx)

	// Hot reload swaps backend statuses in place; structural changes
	// (new backends, new providers) need a restart.
	manager.OnChange(func(next *config.Config) {
		for _, d := range next.Backends {
			if existing := reg.Get(d.ID); existing != nil && existing.Status != d.Status {
				if err := reg.UpdateStatus(d.ID, d.Status); err != nil {
					logger.Warn("status update failed", "backend", d.ID, "error", err)
				} else {
					logger.Info("backend status updated", "backend", d.ID, "status", string(d.Status))
				}
			}
		}
	})
	if err := manager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	mux := http.NewServeMux()
	registerRoutes(mux, gw, logger)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildRateLimiter(cfg *config.Config, logger *observability.Logger) modelgate.Option {
	var store resilience.BucketStore
	if cfg.RateLimit.Store == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		store = resilience.NewRedisBucketStore(client, "modelgate:ratelimit")
	} else {
		store = resilience.NewMemoryBucketStore()
	}
	limiter := resilience.NewLimiter(store, logger)

	defaults := resilience.Limit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		UnitsPerMinute:    int64(cfg.RateLimit.TokensPerMinute),
	}
	overrides := cfg.RateLimit.Callers
	limitFor := func(caller string) resilience.Limit {
		if o, ok := overrides[caller]; ok {
			return resilience.Limit{
				RequestsPerMinute: o.RequestsPerMinute,
				UnitsPerMinute:    int64(o.TokensPerMinute),
			}
		}
		return defaults
	}
	return modelgate.WithRateLimiter(limiter, limitFor)
}

func buildCache(cfg *config.Config, logger *observability.Logger) *cache.Cache {
	var store cache.Store
	if cfg.Cache.Store == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		store = cache.NewRedisStore(client, "modelgate:cache", cfg.Cache.TTL)
	} else {
		store = cache.NewMemoryStore(cfg.Cache.TTL)
	}
	// Semantic matching needs an embedder, which comes from library
	// embedding; the server runs exact-fingerprint caching only.
	return cache.New(store, nil, cache.Config{
		Enabled:    true,
		DefaultTTL: cfg.Cache.TTL,
	}, logger)
}

func buildUsage(cfg *config.Config, logger *observability.Logger) (*usage.Emitter, error) {
	var sink usage.Sink
	if cfg.Usage.Sink == "postgres" {
		pg, err := usage.NewPostgresSink(cfg.Usage.DSN)
		if err != nil {
			return nil, fmt.Errorf("usage sink: %w", err)
		}
		sink = pg
	} else {
		sink = usage.NewLogSink(logger)
	}
	return usage.NewEmitter(sink, cfg.Usage.BufferSize, logger), nil
}
