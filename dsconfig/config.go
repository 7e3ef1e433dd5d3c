// Package dsconfig holds the runtime configuration for the crawling engine:
// concurrency, deduplication, rate limiting, retry, pre-fetch delay, and
// cache options, plus their defaults.
//
// Design Philosophy:
//   - One plain struct per concern, assembled into ServiceConfig, mirroring
//     the Config/DefaultConfig() pairing every teacher service
//     (cache-manager, warming, monitoring) uses.
//   - No file-format parsing here: reading YAML/env/flags into a
//     ServiceConfig is the caller's responsibility (see spec Non-goals).
package dsconfig

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DelayType selects how the pre-fetch delay is computed.
type DelayType string

const (
	DelayConstant DelayType = "constant"
	DelayRandom   DelayType = "random"
)

// CacheType selects which Cache implementation backs CacheConfig.
type CacheType string

const (
	CacheTypeJSON     CacheType = "json"
	CacheTypeBinary   CacheType = "binary"
	CacheTypeRemote   CacheType = "remote"
	CacheTypePostgres CacheType = "postgres"
)

// RetryConfig bounds the exponential back-off envelope around a fetch.
type RetryConfig struct {
	MaxAttempts int
	WaitExpMin  time.Duration
	WaitExpMax  time.Duration
	WaitExpMul  time.Duration
}

// LimiterConfig caps the rate of fetch starts. MaxRate <= 0 disables the
// limiter entirely (the concurrency gate alone still applies).
type LimiterConfig struct {
	MaxRate    int
	TimePeriod time.Duration
}

// DelayConfig configures the pre-fetch delay applied after the concurrency
// gate is acquired and before the fetch begins, to smooth bursty sources.
type DelayConfig struct {
	Amount time.Duration
	Type   DelayType
}

// SaveStateFunc persists a remote cache's full state.
type SaveStateFunc func(ctx context.Context, state map[string][2]string) error

// LoadStateFunc loads a remote cache's full state.
type LoadStateFunc func(ctx context.Context) (map[string][2]string, error)

// CacheConfig configures the response cache.
type CacheConfig struct {
	Use           bool
	CacheType     CacheType
	Path          string
	WriteInterval time.Duration
	SaveState     SaveStateFunc
	LoadState     LoadStateFunc
	// PostgresDSN is only consulted when CacheType == CacheTypePostgres.
	PostgresDSN string
}

// ServiceConfig is the top-level configuration accepted by worker.New.
type ServiceConfig struct {
	MaxConcurrency int
	Deduplication  bool
	Limiter        LimiterConfig
	Retry          RetryConfig
	Delay          DelayConfig
	Cache          CacheConfig
}

// DefaultConfig returns the defaults named in the specification's
// configuration table: MaxConcurrency=10, Deduplication=true, no rate
// limit, retry.max_attempts=3 with a 4/10/1 second exponential envelope, no
// pre-fetch delay, and caching disabled.
func DefaultConfig() ServiceConfig {
	return ServiceConfig{
		MaxConcurrency: 10,
		Deduplication:  true,
		Limiter:        LimiterConfig{MaxRate: 0, TimePeriod: time.Second},
		Retry: RetryConfig{
			MaxAttempts: 3,
			WaitExpMin:  4 * time.Second,
			WaitExpMax:  10 * time.Second,
			WaitExpMul:  1 * time.Second,
		},
		Delay: DelayConfig{Amount: 0, Type: DelayConstant},
		Cache: CacheConfig{
			Use:           false,
			CacheType:     CacheTypeJSON,
			Path:          "cache.json",
			WriteInterval: 1200 * time.Second,
		},
	}
}

// Option mutates a ServiceConfig built on top of DefaultConfig.
type Option func(*ServiceConfig)

// New builds a ServiceConfig from DefaultConfig plus the given options.
func New(opts ...Option) ServiceConfig {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithMaxConcurrency(n int) Option { return func(c *ServiceConfig) { c.MaxConcurrency = n } }
func WithDeduplication(on bool) Option {
	return func(c *ServiceConfig) { c.Deduplication = on }
}
func WithLimiter(maxRate int, period time.Duration) Option {
	return func(c *ServiceConfig) { c.Limiter = LimiterConfig{MaxRate: maxRate, TimePeriod: period} }
}
func WithRetry(r RetryConfig) Option { return func(c *ServiceConfig) { c.Retry = r } }
func WithDelay(d DelayConfig) Option { return func(c *ServiceConfig) { c.Delay = d } }
func WithCache(c CacheConfig) Option { return func(sc *ServiceConfig) { sc.Cache = c } }

// Validate enforces the configuration invariants named in the
// specification: remote cache requires both callbacks, JSON cache requires
// a .json/.jsonl/.json.gz path, binary snapshot requires a non-JSON
// extension, and numeric fields must be positive where the spec says so.
func (c ServiceConfig) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("dsconfig: max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("dsconfig: retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if !c.Cache.Use {
		return nil
	}
	switch c.Cache.CacheType {
	case CacheTypeRemote:
		if c.Cache.SaveState == nil || c.Cache.LoadState == nil {
			return fmt.Errorf("dsconfig: remote cache requires both SaveState and LoadState callbacks")
		}
	case CacheTypeJSON:
		if !hasAnySuffix(c.Cache.Path, ".json", ".jsonl", ".json.gz") {
			return fmt.Errorf("dsconfig: json cache path %q must end in .json, .jsonl, or .json.gz", c.Cache.Path)
		}
	case CacheTypeBinary:
		if hasAnySuffix(c.Cache.Path, ".json", ".jsonl", ".json.gz") {
			return fmt.Errorf("dsconfig: binary cache path %q must not use a json suffix", c.Cache.Path)
		}
	case CacheTypePostgres:
		if c.Cache.PostgresDSN == "" {
			return fmt.Errorf("dsconfig: postgres cache requires PostgresDSN")
		}
	default:
		return fmt.Errorf("dsconfig: unknown cache type %q", c.Cache.CacheType)
	}
	return nil
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
