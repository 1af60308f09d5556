package event

import "github.com/flowmesh/flowmesh-go/value"

// Core event types emitted by the engine. All are version 1. Adjacent
// modules subscribe to these without importing engine-internal types; the
// payload shape is the contract.
const (
	TypeCacheHit             = "cache.hit.v1"
	TypeCacheMiss            = "cache.miss.v1"
	TypeCacheSet             = "cache.set.v1"
	TypeCacheEvicted         = "cache.evicted.v1"
	TypeCacheIntegrityFailed = "cache.integrity.failed.v1"

	TypeAdmissionAllowed  = "admission.allowed.v1"
	TypeAdmissionDenied   = "admission.denied.v1"
	TypeRateLimitViolated = "rate-limit.violated.v1"
	TypeBreakerOpened     = "breaker.opened.v1"
	TypeBreakerClosed     = "breaker.closed.v1"

	TypeValidationLayerCompleted = "validation.layer.completed.v1"
	TypeValidationPipelinePassed = "validation.pipeline.passed.v1"
	TypeValidationPipelineFailed = "validation.pipeline.failed.v1"

	TypeExecutionStarted        = "execution.started.v1"
	TypeExecutionStepDispatched = "execution.step.dispatched.v1"
	TypeExecutionStepCompleted  = "execution.step.completed.v1"
	TypeExecutionCheckpointed   = "execution.checkpointed.v1"
	TypeExecutionPaused         = "execution.paused.v1"
	TypeExecutionResumed        = "execution.resumed.v1"
	TypeExecutionAborted        = "execution.aborted.v1"
	TypeExecutionCompleted      = "execution.completed.v1"
	TypeExecutionFailed         = "execution.failed.v1"

	TypeCheckpointIntegrityFailed = "checkpoint.integrity.failed.v1"

	TypeCostAlert = "cost.alert.v1"
)

func str() Field { return Field{Kinds: []value.Kind{value.KindString}} }
func num() Field { return Field{Kinds: []value.Kind{value.KindInt, value.KindFloat}} }

// RegisterCoreSchemas registers payload schemas for every core event type.
// The bootstrapper calls this once per bus; schemas are intentionally open
// so adjacent modules can enrich payloads without a lockstep upgrade.
func RegisterCoreSchemas(bus *Bus) error {
	cacheKeyed := &Schema{
		Fields:   map[string]Field{"layer": str(), "input_hash": str(), "policy_version": str()},
		Required: []string{"layer"},
		Open:     true,
	}
	admission := &Schema{
		Fields:   map[string]Field{"tenant": str(), "endpoint": str(), "code": str(), "retry_after_ms": num()},
		Required: []string{"tenant"},
		Open:     true,
	}
	breaker := &Schema{
		Fields:   map[string]Field{"endpoint": str()},
		Required: []string{"endpoint"},
		Open:     true,
	}
	validation := &Schema{
		Fields:   map[string]Field{"layer": str(), "status": str(), "code": str(), "duration_ms": num()},
		Open:     true,
	}
	execution := &Schema{
		Fields:   map[string]Field{"execution_id": str(), "flow_id": str(), "step_id": str(), "node_id": str(), "status": str(), "error": str()},
		Required: []string{"execution_id"},
		Open:     true,
	}

	schemas := map[string]*Schema{
		TypeCacheHit:             cacheKeyed,
		TypeCacheMiss:            cacheKeyed,
		TypeCacheSet:             cacheKeyed,
		TypeCacheEvicted:         cacheKeyed,
		TypeCacheIntegrityFailed: cacheKeyed,

		TypeAdmissionAllowed:  admission,
		TypeAdmissionDenied:   admission,
		TypeRateLimitViolated: admission,
		TypeBreakerOpened:     breaker,
		TypeBreakerClosed:     breaker,

		TypeValidationLayerCompleted: validation,
		TypeValidationPipelinePassed: validation,
		TypeValidationPipelineFailed: validation,

		TypeExecutionStarted:        execution,
		TypeExecutionStepDispatched: execution,
		TypeExecutionStepCompleted:  execution,
		TypeExecutionCheckpointed:   execution,
		TypeExecutionPaused:         execution,
		TypeExecutionResumed:        execution,
		TypeExecutionAborted:        execution,
		TypeExecutionCompleted:      execution,
		TypeExecutionFailed:         execution,

		TypeCheckpointIntegrityFailed: execution,

		TypeCostAlert: {
			Fields:   map[string]Field{"tenant": str(), "resource": str()},
			Required: []string{"tenant"},
			Open:     true,
		},
	}

	for typ, schema := range schemas {
		if err := bus.RegisterSchema(typ, schema); err != nil {
			return err
		}
	}
	return nil
}
