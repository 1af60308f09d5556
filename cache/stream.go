package cache

import (
	"context"
	"time"

	"github.com/flowmesh/flowmesh-go/value"
)

// Outcome is the result a producer returns for one validation layer.
type Outcome struct {
	// Passed reports the layer's verdict.
	Passed bool

	// Code is a stable machine-readable code for failed outcomes
	// (e.g. "AUTH_FAIL"). Empty on success.
	Code string

	// Message is a human-readable description.
	Message string

	// Details carries layer-specific structured data.
	Details value.Value
}

// Producer computes the authoritative outcome for one layer on a cache
// miss. Producers are the external validation services; they may block on
// I/O and must honor ctx.
type Producer func(ctx context.Context, input value.Value) (Outcome, error)

// StreamOptions tune Stream.
type StreamOptions struct {
	// LayerTimeout bounds each producer call. Default 10 s. An exceeded
	// timeout is a failure for that layer.
	LayerTimeout time.Duration

	// ContinueOnFailure runs every layer regardless of failures. The
	// default (false) short-circuits at the first failing layer.
	ContinueOnFailure bool

	// TTL applies to results stored during this stream. 0 uses the
	// cache default.
	TTL time.Duration
}

// DefaultLayerTimeout bounds a producer call when StreamOptions.LayerTimeout
// is zero.
const DefaultLayerTimeout = 10 * time.Second

// LayerOutcome pairs a layer id with its outcome and provenance.
type LayerOutcome struct {
	Layer    string
	Outcome  Outcome
	Cached   bool
	Duration time.Duration
}

// StreamResult is the aggregate verdict of a streaming validation pass.
type StreamResult struct {
	// Passed is true iff every consulted layer passed.
	Passed bool

	// FailedLayer names the first failing layer, when any.
	FailedLayer string

	// Layers holds per-layer outcomes in consultation order. Under
	// short-circuit, layers after the first failure are absent.
	Layers []LayerOutcome
}

// Stream runs the layered, short-circuiting validation pass.
//
// For each layer id, in order, Stream consults the cache; on a miss it
// calls the layer's producer under the per-layer timeout, stores the
// signed outcome, and continues. By default the pass returns at the first
// failing layer.
//
// Producer errors and timeouts are failures for that layer (validation
// fails closed). Cache failures are invisible here by construction: Get
// degrades to a miss and Put never errors the request.
func (c *Cache) Stream(ctx context.Context, layers []string, input value.Value, policyVersion string, producers map[string]Producer, opts StreamOptions) StreamResult {
	timeout := opts.LayerTimeout
	if timeout <= 0 {
		timeout = DefaultLayerTimeout
	}

	res := StreamResult{Passed: true}

	for _, layer := range layers {
		start := time.Now()

		if cached, ok := c.Get(ctx, layer, input, policyVersion); ok {
			outcome := decodeOutcome(cached)
			res.Layers = append(res.Layers, LayerOutcome{
				Layer:    layer,
				Outcome:  outcome,
				Cached:   true,
				Duration: time.Since(start),
			})
			if !outcome.Passed {
				res.Passed = false
				if res.FailedLayer == "" {
					res.FailedLayer = layer
				}
				if !opts.ContinueOnFailure {
					return res
				}
			}
			continue
		}

		producer, ok := producers[layer]
		if !ok {
			// No producer for a requested layer: fail closed.
			outcome := Outcome{Passed: false, Code: "INTERNAL", Message: "no producer registered for layer " + layer}
			res.Layers = append(res.Layers, LayerOutcome{Layer: layer, Outcome: outcome, Duration: time.Since(start)})
			res.Passed = false
			if res.FailedLayer == "" {
				res.FailedLayer = layer
			}
			if !opts.ContinueOnFailure {
				return res
			}
			continue
		}

		layerCtx, cancel := context.WithTimeout(ctx, timeout)
		outcome, err := producer(layerCtx, input)
		cancel()

		if err != nil {
			code := "INTERNAL"
			if layerCtx.Err() == context.DeadlineExceeded {
				code = "STEP_TIMEOUT"
			}
			outcome = Outcome{Passed: false, Code: code, Message: err.Error()}
		}

		// Store the authoritative outcome, pass or fail, so repeated
		// rejects are as cheap as repeated accepts.
		c.Put(ctx, layer, input, policyVersion, encodeOutcome(outcome), opts.TTL)

		res.Layers = append(res.Layers, LayerOutcome{
			Layer:    layer,
			Outcome:  outcome,
			Duration: time.Since(start),
		})
		if !outcome.Passed {
			res.Passed = false
			if res.FailedLayer == "" {
				res.FailedLayer = layer
			}
			if !opts.ContinueOnFailure {
				return res
			}
		}
	}

	return res
}

// encodeOutcome converts an Outcome into the value form stored in the
// cache; decodeOutcome is its inverse. The encoding is part of the cache
// key space contract because the signature covers it.
func encodeOutcome(o Outcome) value.Value {
	m := map[string]value.Value{
		"passed":  value.Bool(o.Passed),
		"code":    value.String(o.Code),
		"message": value.String(o.Message),
	}
	if !o.Details.IsNull() {
		m["details"] = o.Details
	}
	return value.Map(m)
}

func decodeOutcome(v value.Value) Outcome {
	passed, _ := v.Get("passed")
	code, _ := v.Get("code")
	message, _ := v.Get("message")
	details, _ := v.Get("details")
	return Outcome{
		Passed:  passed.Bool(),
		Code:    code.Str(),
		Message: message.Str(),
		Details: details,
	}
}
