package exec

import (
	"context"
	"time"

	"github.com/flowmesh/flowmesh-go/value"
)

// Worker error kinds carried in step failure replies. The retry policy's
// retryable-error set matches against these.
const (
	ErrKindTimeout     = "timeout"
	ErrKindUnreachable = "unreachable"
	ErrKindAction      = "action"
	ErrKindPolicy      = "policy"
)

// StepCall is the request the scheduler sends to a worker node.
type StepCall struct {
	// ExecutionID and StepID identify the work.
	ExecutionID string
	StepID      string

	// NodeID is the selected worker.
	NodeID string

	// Action is the opaque operation name.
	Action string

	// Params are the step's static parameters.
	Params value.Value

	// Variables is the execution's variable map at dispatch time.
	Variables value.Value

	// Deadline bounds the call; workers that miss it time out by
	// omission.
	Deadline time.Time

	// Attempt is the 0-based attempt counter.
	Attempt int

	// CorrelationID ties worker-side logs to the event stream.
	CorrelationID string
}

// StepFailure describes a failed step reply.
type StepFailure struct {
	// Kind classifies the failure (see ErrKind constants).
	Kind string

	// Retryable is the worker's own judgement; the step's retry policy
	// narrows it.
	Retryable bool

	// Message is human-readable.
	Message string
}

// StepReply is a worker's response to a StepCall.
type StepReply struct {
	// Output is the success output mapping, merged into variables.
	Output value.Value

	// Failure is non-nil for failed steps.
	Failure *StepFailure
}

// Dispatcher delivers step calls to worker nodes. Implementations wrap
// the peer transport; the scheduler treats them as opaque.
//
// Dispatch must honor ctx (which carries the step deadline) and return
// ctx.Err() when the deadline expires — the scheduler maps that to a
// retryable timeout failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, call StepCall) (StepReply, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, call StepCall) (StepReply, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, call StepCall) (StepReply, error) {
	return f(ctx, call)
}
