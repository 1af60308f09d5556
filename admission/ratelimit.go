// Package admission implements the gatekeeper run before the execution
// engine for every triggered operation: per-tenant rate limiting, circuit
// breaking, and cost/quota enforcement with multi-tenant isolation.
//
// The admission subsystem fails open: an internal fault allows the
// request and logs the failure. Contrast with validation layers, which
// fail closed.
package admission

import (
	"sync"
	"time"
)

// Default rate limiting parameters.
const (
	DefaultWindow            = 60 * time.Second
	DefaultTenantLimit       = 100
	DefaultSubIdentityLimit  = 50
	DefaultSubnetLimit       = 200
	DefaultAnonymousFraction = 0.5

	// maxBackoffShift caps the exponential retry-after growth.
	maxBackoffShift = 10

	// abuseViolationThreshold is the per-key violation count at which a
	// denial is reported as abuse rather than a plain rate limit.
	abuseViolationThreshold = 5
)

// Reputation multiplier clamp bounds.
const (
	MinReputation = 0.5
	MaxReputation = 2.0
)

// RateLimitConfig configures the fixed-window limiter. Zero values take
// the documented defaults.
type RateLimitConfig struct {
	// Window is the window length.
	Window time.Duration

	// TenantLimit, SubIdentityLimit, and SubnetLimit are requests per
	// window for each key class.
	TenantLimit      int
	SubIdentityLimit int
	SubnetLimit      int

	// AnonymousFraction scales TenantLimit for source-address keys.
	AnonymousFraction float64

	// AdaptiveLimits applies the caller-supplied reputation multiplier.
	AdaptiveLimits bool

	// ExponentialBackoff computes retry-after as
	// window × 2^min(violations, 10) instead of the window remainder.
	ExponentialBackoff bool
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.TenantLimit <= 0 {
		c.TenantLimit = DefaultTenantLimit
	}
	if c.SubIdentityLimit <= 0 {
		c.SubIdentityLimit = DefaultSubIdentityLimit
	}
	if c.SubnetLimit <= 0 {
		c.SubnetLimit = DefaultSubnetLimit
	}
	if c.AnonymousFraction <= 0 {
		c.AnonymousFraction = DefaultAnonymousFraction
	}
	return c
}

// record is the per-key admission record. Counters never decrease
// mid-window; at window expiry they reset atomically to 1 (the request
// that observed the expiry) and the violation counter decays by one.
type record struct {
	count       int
	windowStart time.Time
	violations  int
	lastAllowed bool
}

// RateLimiter enforces per-key request budgets over fixed windows.
// Keys follow the precedence tenant+sub-identity > tenant > source
// address, with an independent budget per tenant subnet.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	records map[string]*record

	now func() time.Time
}

// NewRateLimiter creates a limiter with the given configuration.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// RateDecision is the limiter's verdict for one request.
type RateDecision struct {
	// Allowed reports whether the request fits the budget.
	Allowed bool

	// Remaining is the request budget left in the current window for
	// the governing key.
	Remaining int

	// RetryAfter advises when to retry a denied request.
	RetryAfter time.Duration

	// Violations is the governing key's violation counter after this
	// decision.
	Violations int

	// Abuse marks a key whose violation counter crossed the abuse
	// threshold.
	Abuse bool

	// Key identifies the governing admission record (diagnostics).
	Key string
}

// Check admits or rejects one request.
//
// The governing key is chosen by precedence: tenant+sub-identity, then
// tenant, then source address (anonymous). When the request names a
// tenant subnet, the subnet budget is enforced as well; the stricter
// verdict wins. Reputation scales the limit within [0.5, 2.0] when
// adaptive limits are on.
func (rl *RateLimiter) Check(tenant, subIdentity, sourceAddr, subnet string, reputation float64) RateDecision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key, limit := rl.keyAndLimit(tenant, subIdentity, sourceAddr)
	if rl.cfg.AdaptiveLimits && reputation > 0 {
		limit = scaleLimit(limit, reputation)
	}

	decision := rl.checkKey(key, limit)

	if subnet != "" {
		subnetDecision := rl.checkKey("subnet\x00"+subnet, rl.cfg.SubnetLimit)
		if !subnetDecision.Allowed && decision.Allowed {
			decision = subnetDecision
		}
	}

	return decision
}

func (rl *RateLimiter) keyAndLimit(tenant, subIdentity, sourceAddr string) (string, int) {
	switch {
	case tenant != "" && subIdentity != "":
		return "sub\x00" + tenant + "\x00" + subIdentity, rl.cfg.SubIdentityLimit
	case tenant != "":
		return "tenant\x00" + tenant, rl.cfg.TenantLimit
	default:
		anon := int(float64(rl.cfg.TenantLimit) * rl.cfg.AnonymousFraction)
		if anon < 1 {
			anon = 1
		}
		return "addr\x00" + sourceAddr, anon
	}
}

// checkKey applies the window to one record. Caller holds the lock.
func (rl *RateLimiter) checkKey(key string, limit int) RateDecision {
	now := rl.now()
	rec, ok := rl.records[key]
	if !ok {
		rec = &record{windowStart: now}
		rl.records[key] = rec
	}

	if now.Sub(rec.windowStart) >= rl.cfg.Window {
		// Fresh window: counter resets to 1 for this request and the
		// violation counter decays by one.
		rec.windowStart = now
		rec.count = 1
		if rec.violations > 0 {
			rec.violations--
		}
	} else {
		rec.count++
	}

	if rec.count <= limit {
		rec.lastAllowed = true
		return RateDecision{
			Allowed:    true,
			Remaining:  limit - rec.count,
			Violations: rec.violations,
			Key:        key,
		}
	}

	rec.violations++
	rec.lastAllowed = false

	var retryAfter time.Duration
	if rl.cfg.ExponentialBackoff {
		shift := rec.violations
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		retryAfter = rl.cfg.Window * (1 << shift)
	} else {
		retryAfter = rl.cfg.Window - now.Sub(rec.windowStart)
	}

	return RateDecision{
		Allowed:    false,
		RetryAfter: retryAfter,
		Violations: rec.violations,
		Abuse:      rec.violations >= abuseViolationThreshold,
		Key:        key,
	}
}

// scaleLimit applies the reputation multiplier, clamped to [0.5, 2.0].
func scaleLimit(limit int, reputation float64) int {
	if reputation < MinReputation {
		reputation = MinReputation
	}
	if reputation > MaxReputation {
		reputation = MaxReputation
	}
	scaled := int(float64(limit) * reputation)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}
