// Package pipeline implements the universal validation pipeline every
// externally-triggered operation traverses: signature verification,
// consent/authorization, metadata/schema validation, and security/anomaly
// checks, in that order, with a signed cache in front.
//
// Layers fail closed: a layer's internal error blocks the request. The
// cache in front fails open: cache trouble falls through to the layers.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh-go/cache"
	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/sign"
	"github.com/flowmesh/flowmesh-go/value"
)

// Stable error codes surfaced by the reference layers.
const (
	CodeAuthFail         = "AUTH_FAIL"
	CodeSignatureInvalid = "SIGNATURE_INVALID"
	CodeConsentDenied    = "CONSENT_DENIED"
	CodeSchemaInvalid    = "SCHEMA_INVALID"
	CodeAbuseDetected    = "ABUSE_DETECTED"
	CodeInternal         = "INTERNAL"
)

// Status classifies a layer result.
type Status string

// Layer statuses.
const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusWarning Status = "warning"
)

// Request is the canonical description of an externally-triggered
// operation, assembled by the ingress adapter.
type Request struct {
	// Method and Path describe the operation in transport-neutral terms.
	Method string
	Path   string

	// Identity is the validated caller identity string.
	Identity string

	// Tenant scopes the request for consent and anomaly baselines.
	Tenant string

	// Timestamp is the caller-asserted request time, covered by the
	// signature and checked for skew.
	Timestamp time.Time

	// Signature is the caller-supplied signature over CanonicalBytes.
	Signature sign.Signature

	// ConsentToken authorizes Permission on Resource. Absent means deny.
	ConsentToken string

	// Resource and Permission name what the request wants to do.
	Resource   string
	Permission string

	// Schema names the registered payload schema, when the operation
	// carries a payload.
	Schema string

	// Payload is the operation body.
	Payload value.Value
}

// canonicalValue is the request rendered as a Value. Cache keys and the
// signed portion of the request both derive from it.
func (r *Request) canonicalValue() value.Value {
	return value.Map(map[string]value.Value{
		"method":    value.String(r.Method),
		"path":      value.String(r.Path),
		"identity":  value.String(r.Identity),
		"timestamp": value.Int(r.Timestamp.Unix()),
	})
}

// CanonicalBytes is the byte string the caller signs: the canonical form
// of (method, path, identity, timestamp).
func (r *Request) CanonicalBytes() []byte {
	return value.Canonical(r.canonicalValue())
}

// cacheInput is the full request rendered for cache keying. It includes
// the payload hash so payload changes miss, without storing payloads in
// cache keys.
func (r *Request) cacheInput() value.Value {
	return value.Map(map[string]value.Value{
		"method":       value.String(r.Method),
		"path":         value.String(r.Path),
		"identity":     value.String(r.Identity),
		"tenant":       value.String(r.Tenant),
		"timestamp":    value.Int(r.Timestamp.Unix()),
		"signature":    value.Bytes(r.Signature),
		"consent":      value.String(r.ConsentToken),
		"resource":     value.String(r.Resource),
		"permission":   value.String(r.Permission),
		"schema":       value.String(r.Schema),
		"payload_hash": value.String(sign.Hash(value.Canonical(r.Payload)).Hex()),
	})
}

// Result is one layer's verdict.
type Result struct {
	Status    Status
	Code      string
	Message   string
	Details   value.Value
	Duration  time.Duration
	Timestamp time.Time
}

// Passed reports whether the layer accepted the request. Warnings count
// as passed.
func (r Result) Passed() bool { return r.Status != StatusFailed }

// Failed constructs a failed Result.
func Failed(code, message string) Result {
	return Result{Status: StatusFailed, Code: code, Message: message, Timestamp: time.Now().UTC()}
}

// Pass constructs a passing Result.
func Pass() Result {
	return Result{Status: StatusPassed, Timestamp: time.Now().UTC()}
}

// Layer is one validation stage. Implementations must be safe for
// concurrent use; the same layer instance validates every request.
type Layer interface {
	// ID returns the stable layer identifier used for cache keying and
	// events.
	ID() string

	// Validate renders a verdict on the request. Internal errors must
	// surface as failed results (fail closed), not panics.
	Validate(ctx context.Context, req *Request) Result
}

// Options configures a Pipeline.
type Options struct {
	// Layers in priority order. The layer set is a first-class input:
	// different operations exercise different subsets.
	Layers []Layer

	// Cache fronts the layers. Optional; nil runs every layer.
	Cache *cache.Cache

	// PolicyVersion keys cached verdicts. Bump to invalidate.
	PolicyVersion string

	// LayerTimeout bounds each layer call. Default 10 s.
	LayerTimeout time.Duration

	// ContinueOnFailure disables short-circuiting (all layers run and
	// the first failure is still the verdict).
	ContinueOnFailure bool

	// RetryFailedLayers retries a layer whose failure was an internal
	// error (code INTERNAL), RetryAttempts times. Genuine rejections are
	// never retried.
	RetryFailedLayers bool
	RetryAttempts     int

	// Bus receives validation.* events. Optional.
	Bus *event.Bus

	// Logger receives diagnostics.
	Logger zerolog.Logger
}

// Verdict is the pipeline's overall decision.
type Verdict struct {
	// Passed is true iff every consulted layer passed.
	Passed bool

	// Code and Message come from the first failing layer.
	Code    string
	Message string

	// FailedLayer names the first failing layer, when any.
	FailedLayer string

	// Results holds per-layer outcomes in consultation order.
	Results []cache.LayerOutcome
}

// Pipeline is an ordered composition of validation layers with a signed
// cache in front.
type Pipeline struct {
	opts   Options
	byID   map[string]Layer
	order  []string
	logger zerolog.Logger
}

// New creates a Pipeline over the configured layers.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		opts:   opts,
		byID:   make(map[string]Layer, len(opts.Layers)),
		logger: opts.Logger,
	}
	for _, l := range opts.Layers {
		p.byID[l.ID()] = l
		p.order = append(p.order, l.ID())
	}
	return p
}

// Run validates req through every configured layer, consulting the cache
// first. The verdict is passed iff all layers passed; otherwise the first
// failing layer's code and details propagate.
func (p *Pipeline) Run(ctx context.Context, req *Request) Verdict {
	producers := make(map[string]cache.Producer, len(p.byID))
	for id, layer := range p.byID {
		producers[id] = p.producerFor(layer, req)
	}

	input := req.cacheInput()
	var stream cache.StreamResult
	if p.opts.Cache != nil {
		stream = p.opts.Cache.Stream(ctx, p.order, input, p.opts.PolicyVersion, producers, cache.StreamOptions{
			LayerTimeout:      p.opts.LayerTimeout,
			ContinueOnFailure: p.opts.ContinueOnFailure,
		})
	} else {
		stream = p.runUncached(ctx, input, producers)
	}

	verdict := Verdict{Passed: stream.Passed, FailedLayer: stream.FailedLayer, Results: stream.Layers}
	for _, lo := range stream.Layers {
		p.emitLayer(ctx, lo)
		if !lo.Outcome.Passed && verdict.Code == "" {
			verdict.Code = lo.Outcome.Code
			verdict.Message = lo.Outcome.Message
		}
	}

	p.emitVerdict(ctx, req, verdict)
	return verdict
}

// producerFor adapts a layer into a cache producer, applying the
// internal-error retry policy.
func (p *Pipeline) producerFor(layer Layer, req *Request) cache.Producer {
	return func(ctx context.Context, _ value.Value) (cache.Outcome, error) {
		attempts := 1
		if p.opts.RetryFailedLayers && p.opts.RetryAttempts > 0 {
			attempts += p.opts.RetryAttempts
		}

		var res Result
		for attempt := 0; attempt < attempts; attempt++ {
			res = p.validateSafely(ctx, layer, req)
			// Only internal faults are worth retrying; a rejection is
			// authoritative.
			if res.Status != StatusFailed || res.Code != CodeInternal {
				break
			}
		}

		return cache.Outcome{
			Passed:  res.Passed(),
			Code:    res.Code,
			Message: res.Message,
			Details: res.Details,
		}, nil
	}
}

// validateSafely contains layer panics; a panicking layer fails closed.
func (p *Pipeline) validateSafely(ctx context.Context, layer Layer, req *Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("layer", layer.ID()).Interface("panic", r).Msg("validation layer panicked")
			res = Failed(CodeInternal, "validation layer panicked")
		}
	}()
	return layer.Validate(ctx, req)
}

// runUncached executes the producers directly, preserving ordering and
// short-circuit semantics, when no cache is configured.
func (p *Pipeline) runUncached(ctx context.Context, input value.Value, producers map[string]cache.Producer) cache.StreamResult {
	timeout := p.opts.LayerTimeout
	if timeout <= 0 {
		timeout = cache.DefaultLayerTimeout
	}
	res := cache.StreamResult{Passed: true}
	for _, id := range p.order {
		start := time.Now()
		layerCtx, cancel := context.WithTimeout(ctx, timeout)
		outcome, err := producers[id](layerCtx, input)
		cancel()
		if err != nil {
			outcome = cache.Outcome{Passed: false, Code: CodeInternal, Message: err.Error()}
		}
		res.Layers = append(res.Layers, cache.LayerOutcome{Layer: id, Outcome: outcome, Duration: time.Since(start)})
		if !outcome.Passed {
			res.Passed = false
			if res.FailedLayer == "" {
				res.FailedLayer = id
			}
			if !p.opts.ContinueOnFailure {
				return res
			}
		}
	}
	return res
}

func (p *Pipeline) emitLayer(ctx context.Context, lo cache.LayerOutcome) {
	if p.opts.Bus == nil {
		return
	}
	status := "passed"
	if !lo.Outcome.Passed {
		status = "failed"
	}
	_, _ = p.opts.Bus.Emit(ctx, event.TypeValidationLayerCompleted, "core.pipeline", value.Map(map[string]value.Value{
		"layer":       value.String(lo.Layer),
		"status":      value.String(status),
		"code":        value.String(lo.Outcome.Code),
		"duration_ms": value.Int(lo.Duration.Milliseconds()),
		"cached":      value.Bool(lo.Cached),
	}))
}

func (p *Pipeline) emitVerdict(ctx context.Context, req *Request, v Verdict) {
	if p.opts.Bus == nil {
		return
	}
	typ := event.TypeValidationPipelinePassed
	if !v.Passed {
		typ = event.TypeValidationPipelineFailed
	}
	_, _ = p.opts.Bus.Emit(ctx, typ, "core.pipeline", value.Map(map[string]value.Value{
		"layer":    value.String(v.FailedLayer),
		"code":     value.String(v.Code),
		"status":   value.String(string(statusOf(v))),
		"identity": value.String(req.Identity),
	}))
}

func statusOf(v Verdict) Status {
	if v.Passed {
		return StatusPassed
	}
	return StatusFailed
}
