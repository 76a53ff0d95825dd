// Package config provides configuration loading with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/pkg/types"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Providers []ProviderConfig      `yaml:"providers"`
	Backends  []registry.Descriptor `yaml:"backends"`
	Routing   RoutingConfig         `yaml:"routing"`
	Breaker   BreakerConfig         `yaml:"breaker"`
	RateLimit RateLimitConfig       `yaml:"rate_limit"`
	Cache     CacheConfig           `yaml:"cache"`
	Queue     QueueConfig           `yaml:"queue"`
	Usage     UsageConfig           `yaml:"usage"`
	Logging   LoggingConfig         `yaml:"logging"`
	Metrics   MetricsConfig         `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ProviderConfig describes one upstream endpoint serving an
// OpenAI-compatible API. Name must match the provider field of the
// backends it serves.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Models  map[string]string `yaml:"models"`
	Timeout time.Duration     `yaml:"timeout"`
}

// RoutingConfig contains backend selection settings.
type RoutingConfig struct {
	DefaultStrategy string `yaml:"default_strategy"`
	MaxFallbacks    int    `yaml:"max_fallbacks"`
}

// BreakerConfig contains circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenTrialCap int           `yaml:"half_open_trial_cap"`
}

// RateLimitConfig defines per-caller rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// Store is "memory" or "redis".
	Store             string `yaml:"store"`
	RedisAddr         string `yaml:"redis_addr"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	TokensPerMinute   int    `yaml:"tokens_per_minute"`
	// Callers overrides the default limits per caller ID.
	Callers map[string]CallerLimit `yaml:"callers"`
}

// CallerLimit is a per-caller limit override.
type CallerLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// Store is "memory" or "redis".
	Store               string        `yaml:"store"`
	RedisAddr           string        `yaml:"redis_addr"`
	TTL                 time.Duration `yaml:"ttl"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	MaxScan             int           `yaml:"max_scan"`
}

// QueueConfig contains admission queue settings. Zero capacity disables
// queuing; saturated requests are rejected instead of parked.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
	Workers  int `yaml:"workers"`
}

// UsageConfig contains usage accounting settings.
type UsageConfig struct {
	// Sink is "log" or "postgres".
	Sink       string `yaml:"sink"`
	DSN        string `yaml:"dsn"`
	BufferSize int    `yaml:"buffer_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Routing: RoutingConfig{
			DefaultStrategy: string(types.StrategyCostOptimized),
			MaxFallbacks:    2,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			HalfOpenTrialCap: 3,
		},
		RateLimit: RateLimitConfig{
			Store: "memory",
		},
		Cache: CacheConfig{
			Store:               "memory",
			TTL:                 time.Hour,
			SimilarityThreshold: 0.95,
		},
		Usage: UsageConfig{
			Sink:       "log",
			BufferSize: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, applies defaults, decodes and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// StructuralChange reports whether moving from old to next needs a process
// restart. Backend status transitions apply to a running gateway; every
// other difference is structural.
func StructuralChange(old, next *Config) bool {
	return !bytes.Equal(structuralForm(old), structuralForm(next))
}

func structuralForm(c *Config) []byte {
	cp := *c
	cp.Backends = make([]registry.Descriptor, len(c.Backends))
	copy(cp.Backends, c.Backends)
	for i := range cp.Backends {
		cp.Backends[i].Status = ""
	}
	out, _ := yaml.Marshal(&cp)
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d]: id is required", i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("backends[%d]: duplicate id %q", i, b.ID)
		}
		seen[b.ID] = struct{}{}
		if b.Provider == "" {
			return fmt.Errorf("backends[%d] %q: provider is required", i, b.ID)
		}
		if b.ContextWindow <= 0 {
			return fmt.Errorf("backends[%d] %q: context_window must be positive", i, b.ID)
		}
	}

	providerNames := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers[%d] %q: base_url is required", i, p.Name)
		}
		providerNames[p.Name] = struct{}{}
	}
	if len(c.Providers) > 0 {
		for i, b := range c.Backends {
			if _, ok := providerNames[b.Provider]; !ok {
				return fmt.Errorf("backends[%d] %q: no provider named %q configured", i, b.ID, b.Provider)
			}
		}
	}

	if s := c.Routing.DefaultStrategy; s != "" && !types.Strategy(s).Valid() {
		return fmt.Errorf("routing.default_strategy: unknown strategy %q", s)
	}
	if c.Routing.MaxFallbacks < 0 {
		return fmt.Errorf("routing.max_fallbacks cannot be negative")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Store {
		case "memory":
		case "redis":
			if c.RateLimit.RedisAddr == "" {
				return fmt.Errorf("rate_limit.redis_addr is required for the redis store")
			}
		default:
			return fmt.Errorf("rate_limit.store: unknown store %q", c.RateLimit.Store)
		}
	}

	if c.Cache.Enabled {
		switch c.Cache.Store {
		case "memory":
		case "redis":
			if c.Cache.RedisAddr == "" {
				return fmt.Errorf("cache.redis_addr is required for the redis store")
			}
		default:
			return fmt.Errorf("cache.store: unknown store %q", c.Cache.Store)
		}
		if t := c.Cache.SimilarityThreshold; t < 0 || t > 1 {
			return fmt.Errorf("cache.similarity_threshold must be within [0, 1]")
		}
	}

	if c.Queue.Capacity < 0 {
		return fmt.Errorf("queue.capacity cannot be negative")
	}

	switch c.Usage.Sink {
	case "", "log":
	case "postgres":
		if c.Usage.DSN == "" {
			return fmt.Errorf("usage.dsn is required for the postgres sink")
		}
	default:
		return fmt.Errorf("usage.sink: unknown sink %q", c.Usage.Sink)
	}

	return nil
}
