package core

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh-go/admission"
	"github.com/flowmesh/flowmesh-go/cache"
	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/exec"
	"github.com/flowmesh/flowmesh-go/pipeline"
	"github.com/flowmesh/flowmesh-go/registry"
	"github.com/flowmesh/flowmesh-go/sign"
	"github.com/flowmesh/flowmesh-go/store"
)

// Deps are the externally-supplied collaborators: storage, keys, the
// worker transport, and the consent service. Everything else is built
// and wired by New.
type Deps struct {
	// Store persists executions, checkpoints, and flows. Required.
	Store store.Store

	// Content is the content-addressed store. Required.
	Content store.ContentStore

	// CacheSigner signs cache entries and checkpoints. Required.
	CacheSigner sign.Signer

	// RequestVerifier verifies caller request signatures (the
	// signature layer). Optional; omitting it drops the layer.
	RequestVerifier sign.Signer

	// Dispatcher delivers step calls to worker nodes. Required.
	Dispatcher exec.Dispatcher

	// Consent resolves consent tokens. Optional; without it the
	// consent layer (when configured) denies by failing closed.
	Consent pipeline.ConsentChecker

	// PayloadSchemas back the metadata layer.
	PayloadSchemas map[string]*event.Schema

	// Indexer receives validated metadata. Optional.
	Indexer pipeline.Indexer

	// Sinks receive every event. Optional; defaults to a zerolog sink.
	Sinks []event.Sink

	// Logger is the root logger. Defaults to zerolog.Nop().
	Logger zerolog.Logger

	// Metrics registry. Optional; nil disables metrics.
	Metrics prometheus.Registerer

	// StrictEvents makes schema validation failures fatal (development
	// mode).
	StrictEvents bool
}

// Core is the initialized engine: one handle holding every component,
// created by New and torn down by Shutdown. Global accessors do not
// exist; callers thread the handle.
type Core struct {
	Bus       *event.Bus
	Cache     *cache.Cache
	Pipeline  *pipeline.Pipeline
	Admission *admission.Controller
	Registry  *registry.Registry
	Scheduler *exec.Scheduler

	logger zerolog.Logger
}

// New builds and wires the engine components from cfg and deps.
func New(cfg Config, deps Deps) (*Core, error) {
	if deps.Store == nil || deps.Content == nil || deps.CacheSigner == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("core: store, content store, cache signer, and dispatcher are required")
	}
	logger := deps.Logger

	sinks := deps.Sinks
	if sinks == nil {
		sinks = []event.Sink{event.NewLogSink(logger)}
	}
	bus := event.NewBus(event.Options{
		Strict: deps.StrictEvents,
		Logger: logger,
		Sinks:  sinks,
	})
	if err := event.RegisterCoreSchemas(bus); err != nil {
		return nil, fmt.Errorf("core: register event schemas: %w", err)
	}

	cacheOpts := cfg.Cache.options()
	cacheOpts.Signer = deps.CacheSigner
	cacheOpts.Bus = bus
	cacheOpts.Logger = logger
	if deps.Metrics != nil {
		cacheOpts.Metrics = cache.NewMetrics(deps.Metrics)
	}
	validationCache, err := cache.New(cacheOpts)
	if err != nil {
		return nil, err
	}

	layers, err := buildLayers(cfg.Pipeline.Layers, deps)
	if err != nil {
		validationCache.Close()
		return nil, err
	}
	pipe := pipeline.New(pipeline.Options{
		Layers:            layers,
		Cache:             validationCache,
		PolicyVersion:     cfg.PolicyVersion,
		LayerTimeout:      ms(cfg.Pipeline.PerLayerTimeoutMS),
		ContinueOnFailure: cfg.Pipeline.ShortCircuitOnFailure != nil && !*cfg.Pipeline.ShortCircuitOnFailure,
		RetryFailedLayers: cfg.Pipeline.RetryFailedLayers,
		RetryAttempts:     cfg.Pipeline.RetryAttempts,
		Bus:               bus,
		Logger:            logger,
	})

	controller := admission.NewController(admission.Options{
		RateLimit: cfg.Admission.rateLimit(),
		Breaker:   cfg.Breaker.breaker(),
		Cost:      admission.CostConfig{},
		Bus:       bus,
		Logger:    logger,
	})

	reg := registry.New()

	execDeps := exec.Deps{
		Store:      deps.Store,
		Content:    deps.Content,
		Signer:     deps.CacheSigner,
		Registry:   reg,
		Dispatcher: deps.Dispatcher,
		Admission:  controller,
		Pipeline:   pipe,
		Bus:        bus,
		Logger:     logger,
	}
	if deps.Metrics != nil {
		execDeps.Metrics = exec.NewMetrics(deps.Metrics)
	}
	scheduler, err := exec.New(cfg.Scheduler.options(cfg.Recovery, cfg.PolicyVersion), execDeps)
	if err != nil {
		validationCache.Close()
		return nil, err
	}

	return &Core{
		Bus:       bus,
		Cache:     validationCache,
		Pipeline:  pipe,
		Admission: controller,
		Registry:  reg,
		Scheduler: scheduler,
		logger:    logger,
	}, nil
}

// buildLayers constructs the configured validation layers in order.
func buildLayers(names []string, deps Deps) ([]pipeline.Layer, error) {
	if len(names) == 0 {
		names = []string{"signature", "consent", "metadata", "security"}
	}
	var layers []pipeline.Layer
	for _, name := range names {
		switch name {
		case "signature":
			if deps.RequestVerifier == nil {
				continue // no verifier wired; the deployment runs without the layer
			}
			layers = append(layers, &pipeline.SignatureLayer{Verifier: deps.RequestVerifier})
		case "consent":
			layers = append(layers, &pipeline.ConsentLayer{Checker: deps.Consent})
		case "metadata":
			layers = append(layers, &pipeline.MetadataLayer{Schemas: deps.PayloadSchemas, Indexer: deps.Indexer})
		case "security":
			layers = append(layers, &pipeline.SecurityLayer{AnomalyFactor: 3.0})
		default:
			return nil, fmt.Errorf("core: unknown validation layer %q", name)
		}
	}
	return layers, nil
}

// Recover resumes non-terminal executions from the store. Call once
// after New on startup.
func (c *Core) Recover(ctx context.Context) (int, error) {
	return c.Scheduler.Recover(ctx)
}

// Shutdown stops background work and flushes the event sinks.
func (c *Core) Shutdown(ctx context.Context) error {
	c.Cache.Close()
	if err := c.Scheduler.Shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("scheduler shutdown timed out")
	}
	return c.Bus.Flush(ctx)
}
