package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/sign"
	"github.com/flowmesh/flowmesh-go/value"
)

func testSigner(t *testing.T) sign.Signer {
	t.Helper()
	s, err := sign.NewHMACSigner("test-key", []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	return s
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Signer == nil {
		opts.Signer = testSigner(t)
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = -1 // no background sweep in tests
	}
	opts.Logger = zerolog.Nop()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// clock is a controllable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCache_PutGetDeterminism(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	input := value.MustFrom(map[string]any{"b": 2, "a": 1})
	result := value.MustFrom(map[string]any{"verdict": "ok"})

	c.Put(ctx, "consent", input, "pv-1", result, 0)

	// Structurally equal input with different construction order must hit.
	sameInput := value.MustFrom(map[string]any{"a": 1, "b": 2})
	got, ok := c.Get(ctx, "consent", sameInput, "pv-1")
	if !ok {
		t.Fatal("expected hit for canonically equal input")
	}
	if !value.Equal(got, result) {
		t.Errorf("got %v, want %v", got, result)
	}

	// Different layer, input, or policy version must miss.
	if _, ok := c.Get(ctx, "security", input, "pv-1"); ok {
		t.Error("different layer must miss")
	}
	if _, ok := c.Get(ctx, "consent", value.Int(1), "pv-1"); ok {
		t.Error("different input must miss")
	}
	if _, ok := c.Get(ctx, "consent", input, "pv-2"); ok {
		t.Error("different policy version must miss")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, Options{})
	c.now = clk.Now

	ctx := context.Background()
	input := value.String("in")
	c.Put(ctx, "l", input, "pv", value.String("r"), 100*time.Millisecond)

	if _, ok := c.Get(ctx, "l", input, "pv"); !ok {
		t.Fatal("entry must be visible within TTL")
	}

	clk.Advance(101 * time.Millisecond)
	if _, ok := c.Get(ctx, "l", input, "pv"); ok {
		t.Error("entry must expire after TTL")
	}
}

func TestCache_TTLCapped(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, Options{MaxTTL: time.Minute})
	c.now = clk.Now

	ctx := context.Background()
	c.Put(ctx, "l", value.Int(1), "pv", value.Int(2), time.Hour)

	clk.Advance(time.Minute + time.Second)
	if _, ok := c.Get(ctx, "l", value.Int(1), "pv"); ok {
		t.Error("requested TTL above MaxTTL must be capped")
	}
}

func TestCache_IntegrityFailureDiscards(t *testing.T) {
	sink := event.NewBufferedSink(16)
	bus := event.NewBus(event.Options{Strict: true, Logger: zerolog.Nop(), Sinks: []event.Sink{sink}})
	if err := event.RegisterCoreSchemas(bus); err != nil {
		t.Fatal(err)
	}
	c := newTestCache(t, Options{Bus: bus})

	ctx := context.Background()
	input := value.String("in")
	c.Put(ctx, "l", input, "pv", value.String("r"), 0)

	// Corrupt the stored result behind the cache's back.
	c.mu.Lock()
	for _, e := range c.entries {
		e.result = value.String("tampered")
	}
	c.mu.Unlock()

	if _, ok := c.Get(ctx, "l", input, "pv"); ok {
		t.Fatal("tampered entry must not be returned")
	}
	if got := c.Stats().IntegrityFailures; got != 1 {
		t.Errorf("IntegrityFailures = %d, want 1", got)
	}
	if evs := sink.ByType(event.TypeCacheIntegrityFailed); len(evs) != 1 {
		t.Errorf("expected 1 cache.integrity.failed event, got %d", len(evs))
	}

	// The discarded entry is gone; a fresh Put repopulates cleanly.
	c.Put(ctx, "l", input, "pv", value.String("r2"), 0)
	if _, ok := c.Get(ctx, "l", input, "pv"); !ok {
		t.Error("repopulated entry must verify")
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	c.Put(ctx, "l", value.Int(1), "pv-1", value.Int(10), 0)
	c.Put(ctx, "l", value.Int(2), "pv-1", value.Int(20), 0)
	c.Put(ctx, "l", value.Int(3), "pv-2", value.Int(30), 0)

	if n := c.Invalidate("pv-1"); n != 2 {
		t.Errorf("Invalidate removed %d, want 2", n)
	}
	if _, ok := c.Get(ctx, "l", value.Int(1), "pv-1"); ok {
		t.Error("invalidated policy version must not hit")
	}
	if _, ok := c.Get(ctx, "l", value.Int(3), "pv-2"); !ok {
		t.Error("other policy versions must survive invalidation")
	}
}

func TestCache_EvictionPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("lru evicts least recently used", func(t *testing.T) {
		clk := newClock()
		c := newTestCache(t, Options{MaxEntries: 2, Policy: EvictLRU})
		c.now = clk.Now

		c.Put(ctx, "l", value.Int(1), "pv", value.Int(1), time.Hour)
		clk.Advance(time.Second)
		c.Put(ctx, "l", value.Int(2), "pv", value.Int(2), time.Hour)
		clk.Advance(time.Second)
		// Touch entry 1 so entry 2 becomes the LRU victim.
		if _, ok := c.Get(ctx, "l", value.Int(1), "pv"); !ok {
			t.Fatal("setup: entry 1 missing")
		}
		clk.Advance(time.Second)
		c.Put(ctx, "l", value.Int(3), "pv", value.Int(3), time.Hour)

		if _, ok := c.Get(ctx, "l", value.Int(2), "pv"); ok {
			t.Error("LRU victim should have been entry 2")
		}
		if _, ok := c.Get(ctx, "l", value.Int(1), "pv"); !ok {
			t.Error("recently used entry 1 must survive")
		}
	})

	t.Run("lfu evicts least frequently used", func(t *testing.T) {
		c := newTestCache(t, Options{MaxEntries: 2, Policy: EvictLFU})

		c.Put(ctx, "l", value.Int(1), "pv", value.Int(1), time.Hour)
		c.Put(ctx, "l", value.Int(2), "pv", value.Int(2), time.Hour)
		for i := 0; i < 3; i++ {
			c.Get(ctx, "l", value.Int(1), "pv")
		}
		c.Put(ctx, "l", value.Int(3), "pv", value.Int(3), time.Hour)

		if _, ok := c.Get(ctx, "l", value.Int(2), "pv"); ok {
			t.Error("LFU victim should have been the never-read entry 2")
		}
	})

	t.Run("ttl evicts soonest to expire", func(t *testing.T) {
		c := newTestCache(t, Options{MaxEntries: 2, Policy: EvictTTL})

		c.Put(ctx, "l", value.Int(1), "pv", value.Int(1), time.Minute)
		c.Put(ctx, "l", value.Int(2), "pv", value.Int(2), time.Hour)
		c.Put(ctx, "l", value.Int(3), "pv", value.Int(3), time.Hour)

		if _, ok := c.Get(ctx, "l", value.Int(1), "pv"); ok {
			t.Error("entry with the soonest expiry must be evicted first")
		}
	})

	t.Run("eviction keeps entry count bounded", func(t *testing.T) {
		c := newTestCache(t, Options{MaxEntries: 8, Policy: EvictHybrid})
		for i := 0; i < 50; i++ {
			c.Put(ctx, "l", value.Int(int64(i)), "pv", value.Int(int64(i)), time.Hour)
		}
		if got := c.Stats().Entries; got > 8 {
			t.Errorf("entries = %d, want <= 8", got)
		}
		if c.Stats().Evictions == 0 {
			t.Error("evictions counter must advance")
		}
	})
}

func TestCache_Events(t *testing.T) {
	sink := event.NewBufferedSink(32)
	bus := event.NewBus(event.Options{Strict: true, Logger: zerolog.Nop(), Sinks: []event.Sink{sink}})
	if err := event.RegisterCoreSchemas(bus); err != nil {
		t.Fatal(err)
	}
	c := newTestCache(t, Options{Bus: bus})
	ctx := context.Background()

	c.Get(ctx, "l", value.Int(1), "pv") // miss
	c.Put(ctx, "l", value.Int(1), "pv", value.Int(2), 0)
	c.Get(ctx, "l", value.Int(1), "pv") // hit

	if n := len(sink.ByType(event.TypeCacheMiss)); n != 1 {
		t.Errorf("cache.miss events = %d, want 1", n)
	}
	if n := len(sink.ByType(event.TypeCacheSet)); n != 1 {
		t.Errorf("cache.set events = %d, want 1", n)
	}
	if n := len(sink.ByType(event.TypeCacheHit)); n != 1 {
		t.Errorf("cache.hit events = %d, want 1", n)
	}
}

func TestStream_ShortCircuit(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	var called []string
	producers := map[string]Producer{
		"signature": func(context.Context, value.Value) (Outcome, error) {
			called = append(called, "signature")
			return Outcome{Passed: true}, nil
		},
		"consent": func(context.Context, value.Value) (Outcome, error) {
			called = append(called, "consent")
			return Outcome{Passed: false, Code: "CONSENT_DENIED", Message: "no token"}, nil
		},
		"security": func(context.Context, value.Value) (Outcome, error) {
			called = append(called, "security")
			return Outcome{Passed: true}, nil
		},
	}

	res := c.Stream(ctx, []string{"signature", "consent", "security"}, value.Int(1), "pv", producers, StreamOptions{})

	if res.Passed {
		t.Error("stream must fail when a layer fails")
	}
	if res.FailedLayer != "consent" {
		t.Errorf("FailedLayer = %q, want consent", res.FailedLayer)
	}
	for _, name := range called {
		if name == "security" {
			t.Error("layers after the failing one must not run under short-circuit")
		}
	}
	if len(res.Layers) != 2 {
		t.Errorf("consulted layers = %d, want 2", len(res.Layers))
	}
}

func TestStream_CachesOutcomes(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	calls := 0
	producers := map[string]Producer{
		"consent": func(context.Context, value.Value) (Outcome, error) {
			calls++
			return Outcome{Passed: true}, nil
		},
	}

	input := value.MustFrom(map[string]any{"x": 1})
	first := c.Stream(ctx, []string{"consent"}, input, "pv", producers, StreamOptions{})
	second := c.Stream(ctx, []string{"consent"}, input, "pv", producers, StreamOptions{})

	if calls != 1 {
		t.Errorf("producer calls = %d, want 1 (second pass must be served from cache)", calls)
	}
	if !first.Passed || !second.Passed {
		t.Error("both passes must report the same verdict")
	}
	if !second.Layers[0].Cached {
		t.Error("second pass must be marked cached")
	}
}

func TestStream_ProducerTimeoutFailsLayer(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	producers := map[string]Producer{
		"slow": func(ctx context.Context, _ value.Value) (Outcome, error) {
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		},
	}

	res := c.Stream(ctx, []string{"slow"}, value.Int(1), "pv", producers, StreamOptions{LayerTimeout: 10 * time.Millisecond})
	if res.Passed {
		t.Error("producer timeout must fail the layer")
	}
	if res.Layers[0].Outcome.Code != "STEP_TIMEOUT" {
		t.Errorf("code = %q, want STEP_TIMEOUT", res.Layers[0].Outcome.Code)
	}
}

func TestStream_ProducerErrorFailsClosed(t *testing.T) {
	c := newTestCache(t, Options{})
	producers := map[string]Producer{
		"broken": func(context.Context, value.Value) (Outcome, error) {
			return Outcome{}, errors.New("backend unavailable")
		},
	}
	res := c.Stream(context.Background(), []string{"broken"}, value.Int(1), "pv", producers, StreamOptions{})
	if res.Passed {
		t.Error("producer error must fail the layer (fail closed)")
	}
}

func TestStream_MissingProducerFailsClosed(t *testing.T) {
	c := newTestCache(t, Options{})
	res := c.Stream(context.Background(), []string{"ghost"}, value.Int(1), "pv", nil, StreamOptions{})
	if res.Passed {
		t.Error("missing producer must fail closed")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 64})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := value.Int(int64(i % 16))
				c.Put(ctx, "l", k, "pv", value.Int(int64(i)), time.Minute)
				c.Get(ctx, "l", k, "pv")
			}
		}(g)
	}
	wg.Wait()

	if got := c.Stats().Entries; got > 64 {
		t.Errorf("entries = %d, want <= 64", got)
	}
}
