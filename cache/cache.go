// Package cache implements the signed validation cache that fronts the
// validation pipeline.
//
// Entries are keyed by (layer, SHA-256 of the canonical input, policy
// version) and carry an HMAC signature and a SHA-256 checksum. A lookup
// returns a value only when the TTL has not elapsed, the checksum matches
// recomputation, and the signature verifies; anything else is a miss.
//
// The cache is node-local. Correctness never depends on shared cache
// state: on any internal error the caller falls through to the
// authoritative producer (fail-open).
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/sign"
	"github.com/flowmesh/flowmesh-go/value"
)

// Eviction selects the replacement policy used under capacity pressure.
type Eviction string

// Supported eviction policies.
const (
	EvictLRU    Eviction = "lru"
	EvictLFU    Eviction = "lfu"
	EvictTTL    Eviction = "ttl"
	EvictHybrid Eviction = "hybrid"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultMaxEntries      = 10_000
	DefaultTTL             = 5 * time.Minute
	DefaultMaxTTL          = time.Hour
	DefaultCleanupInterval = 60 * time.Second
)

// HybridWeights are the coefficients of the hybrid eviction score
// α·recency + β·frequency + γ·(1/remaining-ttl). The entry with the
// lowest score is evicted first.
type HybridWeights struct {
	Alpha float64
	Beta  float64
	Gamma float64
}

// DefaultHybridWeights weight recency most, then frequency, then the
// inverse remaining TTL.
var DefaultHybridWeights = HybridWeights{Alpha: 0.5, Beta: 0.3, Gamma: 0.2}

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds the entry count. Default 10 000.
	MaxEntries int

	// DefaultTTL applies when Put is called with ttl <= 0. Default 5 m.
	DefaultTTL time.Duration

	// MaxTTL caps any requested TTL. Default 1 h.
	MaxTTL time.Duration

	// CleanupInterval is the period of the background expiry sweep.
	// Default 60 s. Set negative to disable the sweep (tests).
	CleanupInterval time.Duration

	// Policy selects the eviction policy. Default hybrid.
	Policy Eviction

	// Weights configure the hybrid score. Zero value uses defaults.
	Weights HybridWeights

	// Signer signs and verifies stored entries. Required.
	Signer sign.Signer

	// Bus receives cache.* events. Optional.
	Bus *event.Bus

	// Logger receives diagnostics. Defaults to zerolog.Nop().
	Logger zerolog.Logger

	// Metrics receives counter updates. Optional; see NewMetrics.
	Metrics *Metrics
}

// Key identifies a cache entry.
type Key struct {
	Layer         string
	InputHash     sign.Digest
	PolicyVersion string
}

// NewKey derives the entry key for an input under a layer and policy
// version. Inputs are canonicalized first, so structurally equal values
// produce equal keys on every node.
func NewKey(layer string, input value.Value, policyVersion string) Key {
	return Key{
		Layer:         layer,
		InputHash:     sign.Hash(value.Canonical(input)),
		PolicyVersion: policyVersion,
	}
}

// String renders the key for map indexing and diagnostics.
func (k Key) String() string {
	return k.Layer + "\x00" + k.InputHash.Hex() + "\x00" + k.PolicyVersion
}

type entry struct {
	key           Key
	result        value.Value
	ttl           time.Duration
	createdAt     time.Time
	lastAccessed  time.Time
	accessCount   int64
	signature     sign.Signature
	checksum      sign.Digest
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.createdAt.Add(e.ttl))
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries           int
	Hits              int64
	Misses            int64
	Evictions         int64
	Expirations       int64
	IntegrityFailures int64
	Invalidations     int64
}

// Cache is the signed validation cache. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	opts    Options
	weights HybridWeights

	stats Stats

	stop     chan struct{}
	stopOnce sync.Once

	// now is swapped in tests to drive TTL expiry deterministically.
	now func() time.Time
}

// New creates a Cache and starts its background expiry sweep.
// Callers must Close the cache to stop the sweep.
func New(opts Options) (*Cache, error) {
	if opts.Signer == nil {
		return nil, fmt.Errorf("cache: signer is required")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = DefaultMaxTTL
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Policy == "" {
		opts.Policy = EvictHybrid
	}
	switch opts.Policy {
	case EvictLRU, EvictLFU, EvictTTL, EvictHybrid:
	default:
		return nil, fmt.Errorf("cache: unknown eviction policy %q", opts.Policy)
	}
	weights := opts.Weights
	if weights == (HybridWeights{}) {
		weights = DefaultHybridWeights
	}

	c := &Cache{
		entries: make(map[string]*entry),
		opts:    opts,
		weights: weights,
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	if opts.CleanupInterval > 0 {
		go c.sweepLoop()
	}
	return c, nil
}

// Close stops the background sweep. Idempotent.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Get looks up the entry for (layer, input, policyVersion).
//
// A value is returned only when the entry is unexpired, its checksum
// matches recomputation, and its signature verifies under the configured
// signer. Integrity failures discard the entry and emit
// cache.integrity.failed; the caller observes a plain miss.
func (c *Cache) Get(ctx context.Context, layer string, input value.Value, policyVersion string) (value.Value, bool) {
	key := NewKey(layer, input, policyVersion)
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key.String()]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		c.emit(ctx, event.TypeCacheMiss, key)
		c.count(metricMiss)
		return value.Value{}, false
	}

	if e.expired(now) {
		delete(c.entries, key.String())
		c.stats.Misses++
		c.stats.Expirations++
		c.mu.Unlock()
		c.emit(ctx, event.TypeCacheMiss, key)
		c.count(metricMiss)
		return value.Value{}, false
	}

	if !c.verify(e) {
		delete(c.entries, key.String())
		c.stats.Misses++
		c.stats.IntegrityFailures++
		c.mu.Unlock()
		c.emit(ctx, event.TypeCacheIntegrityFailed, key)
		c.count(metricIntegrityFailure)
		c.opts.Logger.Warn().
			Str("layer", key.Layer).
			Str("policy_version", key.PolicyVersion).
			Msg("cache entry failed integrity verification")
		return value.Value{}, false
	}

	e.lastAccessed = now
	e.accessCount++
	result := e.result
	c.stats.Hits++
	c.mu.Unlock()

	c.emit(ctx, event.TypeCacheHit, key)
	c.count(metricHit)
	return result, true
}

// Put stores result under (layer, input, policyVersion) with the given
// TTL (0 uses the default; requests above MaxTTL are capped). Under
// capacity pressure one victim is evicted per the configured policy.
//
// Put never fails the caller's request: internal errors are logged and
// swallowed, because the authoritative result is already in hand.
func (c *Cache) Put(ctx context.Context, layer string, input value.Value, policyVersion string, result value.Value, ttl time.Duration) {
	key := NewKey(layer, input, policyVersion)

	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	if ttl > c.opts.MaxTTL {
		ttl = c.opts.MaxTTL
	}

	canonical := value.Canonical(result)
	sig, err := c.opts.Signer.Sign(signingInput(key, canonical))
	if err != nil {
		c.opts.Logger.Error().Err(err).Msg("cache: signing failed, entry not stored")
		return
	}

	now := c.now()
	e := &entry{
		key:          key,
		result:       result,
		ttl:          ttl,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  0,
		signature:    sig,
		checksum:     sign.Hash(canonical),
	}

	c.mu.Lock()
	if _, exists := c.entries[key.String()]; !exists && len(c.entries) >= c.opts.MaxEntries {
		c.evictLocked(ctx, now)
	}
	c.entries[key.String()] = e
	c.mu.Unlock()

	c.emit(ctx, event.TypeCacheSet, key)
}

// Invalidate removes every entry stored under policyVersion and returns
// the number removed. Called when the active policy version changes.
func (c *Cache) Invalidate(policyVersion string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.key.PolicyVersion == policyVersion {
			delete(c.entries, k)
			removed++
		}
	}
	c.stats.Invalidations += int64(removed)
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// verify recomputes the checksum and signature of e.
func (c *Cache) verify(e *entry) bool {
	canonical := value.Canonical(e.result)
	if sign.Hash(canonical) != e.checksum {
		return false
	}
	return c.opts.Signer.Verify(signingInput(e.key, canonical), e.signature)
}

// signingInput is the byte string signed for an entry:
// key ∥ canonical(value) ∥ policy-version.
func signingInput(key Key, canonical []byte) []byte {
	buf := make([]byte, 0, len(key.Layer)+len(key.InputHash)+len(canonical)+len(key.PolicyVersion)+3)
	buf = append(buf, key.Layer...)
	buf = append(buf, 0)
	buf = append(buf, key.InputHash[:]...)
	buf = append(buf, 0)
	buf = append(buf, canonical...)
	buf = append(buf, 0)
	buf = append(buf, key.PolicyVersion...)
	return buf
}

// evictLocked removes the lowest-scoring entry per the configured policy.
// Caller holds the write lock.
func (c *Cache) evictLocked(ctx context.Context, now time.Time) {
	var victimKey string
	var victim *entry
	best := 0.0

	for k, e := range c.entries {
		score := c.score(e, now)
		if victim == nil || score < best {
			victim = e
			victimKey = k
			best = score
		}
	}
	if victim == nil {
		return
	}

	delete(c.entries, victimKey)
	c.stats.Evictions++
	c.count(metricEviction)
	c.emit(ctx, event.TypeCacheEvicted, victim.key)
}

// score ranks entries for eviction: lower is evicted first.
func (c *Cache) score(e *entry, now time.Time) float64 {
	switch c.opts.Policy {
	case EvictLRU:
		// Older last access → smaller score.
		return float64(e.lastAccessed.UnixNano())
	case EvictLFU:
		return float64(e.accessCount)
	case EvictTTL:
		// Soonest expiry → smallest remaining TTL.
		return e.createdAt.Add(e.ttl).Sub(now).Seconds()
	default: // hybrid
		recency := 1.0 / (1.0 + now.Sub(e.lastAccessed).Seconds())
		frequency := float64(e.accessCount)
		remaining := e.createdAt.Add(e.ttl).Sub(now).Seconds()
		if remaining < 1e-9 {
			remaining = 1e-9
		}
		return c.weights.Alpha*recency + c.weights.Beta*frequency + c.weights.Gamma*(1.0/remaining)
	}
}

// sweepLoop periodically removes expired entries.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			c.stats.Expirations++
		}
	}
}

func (c *Cache) emit(ctx context.Context, eventType string, key Key) {
	if c.opts.Bus == nil {
		return
	}
	_, err := c.opts.Bus.Emit(ctx, eventType, "core.cache", value.Map(map[string]value.Value{
		"layer":          value.String(key.Layer),
		"input_hash":     value.String(key.InputHash.Hex()),
		"policy_version": value.String(key.PolicyVersion),
	}))
	if err != nil {
		c.opts.Logger.Debug().Err(err).Str("type", eventType).Msg("cache event emission failed")
	}
}
