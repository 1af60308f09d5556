// Package core wires the engine components together: one Config in, one
// initialized Core handle out. No component reaches into another's
// state; every cross-component edge is set up here.
package core

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/flowmesh-go/admission"
	"github.com/flowmesh/flowmesh-go/cache"
	"github.com/flowmesh/flowmesh-go/exec"
)

// Config is the engine's configuration surface. Durations are
// millisecond integers so the file format stays toolable. Zero values
// take the component defaults.
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cache     CacheConfig     `yaml:"cache"`
	Admission AdmissionConfig `yaml:"admission"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Recovery  RecoveryConfig  `yaml:"recovery"`

	// PolicyVersion tags cache keys and checkpoints. Bumping it
	// invalidates every cached validation verdict.
	PolicyVersion string `yaml:"policy_version"`
}

// PipelineConfig configures the validation pipeline.
type PipelineConfig struct {
	// Layers in priority order. Recognized: signature, consent,
	// metadata, security. Empty means all four.
	Layers []string `yaml:"layers"`

	ShortCircuitOnFailure *bool `yaml:"short_circuit_on_failure"`
	PerLayerTimeoutMS     int   `yaml:"per_layer_timeout_ms"`
	MaxConcurrency        int   `yaml:"max_concurrency"`
	RetryFailedLayers     bool  `yaml:"retry_failed_layers"`
	RetryAttempts         int   `yaml:"retry_attempts"`
}

// CacheConfig configures the signed validation cache.
type CacheConfig struct {
	MaxEntries        int    `yaml:"max_entries"`
	DefaultTTLMS      int    `yaml:"default_ttl_ms"`
	MaxTTLMS          int    `yaml:"max_ttl_ms"`
	CleanupIntervalMS int    `yaml:"cleanup_interval_ms"`
	Eviction          string `yaml:"eviction"` // lru | lfu | ttl | hybrid
	SigningKeyID      string `yaml:"signing_key_id"`
}

// AdmissionConfig configures the rate limiter and cost meter.
type AdmissionConfig struct {
	WindowMS            int  `yaml:"window_ms"`
	PerIdentityLimit    int  `yaml:"per_identity_limit"`
	PerSubIdentityLimit int  `yaml:"per_sub_identity_limit"`
	PerTenantLimit      int  `yaml:"per_tenant_limit"`
	AnonymousLimit      int  `yaml:"anonymous_limit"`
	AdaptiveLimits      bool `yaml:"adaptive_limits"`
	ExponentialBackoff  bool `yaml:"exponential_backoff"`
}

// BreakerConfig configures the per-endpoint circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CoolOffMS        int `yaml:"cool_off_ms"`
	HalfOpenProbes   int `yaml:"half_open_probes"`
}

// SchedulerConfig configures the execution scheduler.
type SchedulerConfig struct {
	MaxInFlightPerTenant int `yaml:"max_in_flight_per_tenant"`
	QueueCapacity        int `yaml:"queue_capacity"`
	DefaultStepTimeoutMS int `yaml:"default_step_timeout_ms"`
	MaxStepTimeoutMS     int `yaml:"max_step_timeout_ms"`
}

// RecoveryConfig configures checkpoint recovery.
type RecoveryConfig struct {
	CheckpointVerifyStrict bool `yaml:"checkpoint_verify_strict"`
	FallbackDepth          int  `yaml:"fallback_depth"`
}

// LoadConfig parses a YAML configuration document.
func LoadConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("core: parse config: %w", err)
	}
	return cfg, nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c CacheConfig) options() cache.Options {
	return cache.Options{
		MaxEntries:      c.MaxEntries,
		DefaultTTL:      ms(c.DefaultTTLMS),
		MaxTTL:          ms(c.MaxTTLMS),
		CleanupInterval: ms(c.CleanupIntervalMS),
		Policy:          cache.Eviction(c.Eviction),
	}
}

func (c AdmissionConfig) rateLimit() admission.RateLimitConfig {
	cfg := admission.RateLimitConfig{
		Window:             ms(c.WindowMS),
		TenantLimit:        c.PerTenantLimit,
		SubIdentityLimit:   c.PerSubIdentityLimit,
		AdaptiveLimits:     c.AdaptiveLimits,
		ExponentialBackoff: c.ExponentialBackoff,
	}
	if c.PerIdentityLimit > 0 && cfg.TenantLimit == 0 {
		cfg.TenantLimit = c.PerIdentityLimit
	}
	if c.AnonymousLimit > 0 && c.PerTenantLimit > 0 {
		cfg.AnonymousFraction = float64(c.AnonymousLimit) / float64(c.PerTenantLimit)
	}
	return cfg
}

func (c BreakerConfig) breaker() admission.BreakerConfig {
	return admission.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		CoolOff:          ms(c.CoolOffMS),
		HalfOpenProbes:   c.HalfOpenProbes,
	}
}

func (c SchedulerConfig) options(r RecoveryConfig, policyVersion string) exec.Options {
	return exec.Options{
		MaxInFlightPerTenant:   c.MaxInFlightPerTenant,
		QueueCapacity:          c.QueueCapacity,
		DefaultStepTimeout:     ms(c.DefaultStepTimeoutMS),
		MaxStepTimeout:         ms(c.MaxStepTimeoutMS),
		PolicyVersion:          policyVersion,
		CheckpointVerifyStrict: r.CheckpointVerifyStrict,
		FallbackDepth:          r.FallbackDepth,
	}
}
