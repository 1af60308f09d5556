package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/exec"
	"github.com/flowmesh/flowmesh-go/flow"
	"github.com/flowmesh/flowmesh-go/registry"
	"github.com/flowmesh/flowmesh-go/sign"
	"github.com/flowmesh/flowmesh-go/store"
	"github.com/flowmesh/flowmesh-go/value"
)

func TestLoadConfig(t *testing.T) {
	doc := []byte(`
policy_version: pv-7
pipeline:
  layers: [consent, security]
  per_layer_timeout_ms: 5000
  retry_failed_layers: true
  retry_attempts: 2
cache:
  max_entries: 500
  default_ttl_ms: 60000
  eviction: lru
admission:
  window_ms: 30000
  per_tenant_limit: 20
  exponential_backoff: true
breaker:
  failure_threshold: 3
  cool_off_ms: 10000
scheduler:
  max_in_flight_per_tenant: 4
  queue_capacity: 16
recovery:
  checkpoint_verify_strict: true
  fallback_depth: 2
`)
	cfg, err := LoadConfig(doc)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PolicyVersion != "pv-7" {
		t.Errorf("PolicyVersion = %q", cfg.PolicyVersion)
	}
	if len(cfg.Pipeline.Layers) != 2 || cfg.Pipeline.Layers[0] != "consent" {
		t.Errorf("Pipeline.Layers = %v", cfg.Pipeline.Layers)
	}
	if cfg.Cache.options().MaxEntries != 500 || cfg.Cache.options().DefaultTTL != time.Minute {
		t.Errorf("cache options = %+v", cfg.Cache.options())
	}
	if !cfg.Recovery.CheckpointVerifyStrict || cfg.Recovery.FallbackDepth != 2 {
		t.Errorf("recovery = %+v", cfg.Recovery)
	}
	if cfg.Admission.rateLimit().Window != 30*time.Second {
		t.Errorf("rate limit window = %v", cfg.Admission.rateLimit().Window)
	}
}

func TestLoadConfig_Malformed(t *testing.T) {
	if _, err := LoadConfig([]byte("pipeline: [not a map]")); err == nil {
		t.Error("malformed config must error")
	}
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	mem := store.NewMemStore()
	signer, err := sign.NewHMACSigner("core-key", []byte("core-secret"))
	if err != nil {
		t.Fatal(err)
	}

	dispatcher := exec.DispatcherFunc(func(_ context.Context, call exec.StepCall) (exec.StepReply, error) {
		return exec.StepReply{Output: value.Map(map[string]value.Value{
			call.StepID + "_done": value.Bool(true),
		})}, nil
	})

	c, err := New(Config{PolicyVersion: "pv-1", Pipeline: PipelineConfig{Layers: []string{"security"}}}, Deps{
		Store:       mem,
		Content:     mem,
		CacheSigner: signer,
		Dispatcher:  dispatcher,
		Sinks:       []event.Sink{event.NewBufferedSink(128)},
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func TestCore_EndToEnd(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	c.Registry.Register("t1", registry.Node{ID: "n1", Capabilities: []string{"echo"}})

	f := &flow.Flow{
		ID: "hello", Name: "hello", Version: "1.0.0", Owner: "did:web:alice",
		Metadata: flow.Metadata{Visibility: flow.VisibilityPrivate},
		Steps: []flow.Step{
			{ID: "greet", Kind: flow.KindTask, Action: "echo.hello"},
		},
	}
	if err := c.Scheduler.PublishFlow(ctx, f, f.Owner, nil); err != nil {
		t.Fatalf("PublishFlow: %v", err)
	}

	id, err := c.Scheduler.Start(ctx, "hello", exec.Trigger{
		Identity: "did:web:alice",
		Kind:     exec.TriggerManual,
		Tenant:   "t1",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Scheduler.Wait(waitCtx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	ex, err := c.Scheduler.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Status != exec.StatusCompleted {
		t.Fatalf("status = %s (lastError %q)", ex.Status, ex.LastError)
	}
	done, _ := ex.Variables().Get("greet_done")
	if !done.Bool() {
		t.Errorf("variables = %v", ex.Variables())
	}
}

func TestBuildLayers_Unknown(t *testing.T) {
	_, err := buildLayers([]string{"telepathy"}, Deps{})
	if err == nil {
		t.Error("unknown layer must error")
	}
}
