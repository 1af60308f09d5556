// Package exec implements the execution scheduler: the per-execution
// state machine, step dispatch across worker nodes, checkpointing, and
// crash recovery.
package exec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh-go/value"
)

// Status is an execution's lifecycle position.
type Status string

// Execution statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether s is a terminal status. Terminal statuses are
// monotonic: an execution never leaves one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// TerminalStatuses lists the terminal statuses as strings, for store
// queries.
func TerminalStatuses() []string {
	return []string{string(StatusCompleted), string(StatusFailed), string(StatusAborted)}
}

// StepDone is the sentinel CurrentStep of an execution with no next step.
const StepDone = "done"

// TriggerKind tags how an execution was started.
type TriggerKind string

// Trigger kinds.
const (
	TriggerWebhook  TriggerKind = "webhook"
	TriggerEvent    TriggerKind = "event"
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
)

// Trigger is the ingress adapter's contract to the core: a validated
// identity, a trigger kind, an input value, and optional tenant scoping.
type Trigger struct {
	Identity     string
	Kind         TriggerKind
	Input        value.Value
	Tenant       string
	TenantSubnet string
	Permissions  []string
}

// ExecContext is the execution's ambient context, snapshotted at start.
type ExecContext struct {
	Identity     string      `json:"identity"`
	TriggerKind  TriggerKind `json:"trigger_kind"`
	Input        value.Value `json:"input"`
	Variables    value.Value `json:"variables"`
	Tenant       string      `json:"tenant"`
	TenantSubnet string      `json:"tenant_subnet,omitempty"`
	Permissions  []string    `json:"permissions,omitempty"`
}

// Execution is one running or terminated instance of a flow.
//
// Invariants maintained by the mutation methods:
//   - CompletedSteps ∩ FailedSteps = ∅
//   - a terminal status is never left
//   - CurrentStep names a flow step or the StepDone sentinel
type Execution struct {
	ID     string `json:"id"`
	FlowID string `json:"flow_id"`
	Status Status `json:"status"`

	CurrentStep    string   `json:"current_step"`
	CompletedSteps []string `json:"completed_steps"`
	FailedSteps    []string `json:"failed_steps"`

	Context ExecContext `json:"context"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	LastError string `json:"last_error,omitempty"`

	// CheckpointSeq is the sequence number of the last checkpoint written.
	CheckpointSeq int `json:"checkpoint_seq"`

	// Assignments maps step id to the node that ran it (last attempt).
	Assignments map[string]string `json:"assignments,omitempty"`
}

// transition moves the execution to a new status, enforcing the guarded
// state machine:
//
//	pending ──start──▶ running ──complete──▶ completed
//	running ──pause──▶ paused ──resume──▶ running
//	running ──fail──▶ failed
//	pending/running/paused ──abort──▶ aborted
func (e *Execution) transition(to Status) error {
	allowed := map[Status][]Status{
		StatusPending: {StatusRunning, StatusAborted},
		StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusAborted},
		StatusPaused:  {StatusRunning, StatusAborted},
	}
	for _, ok := range allowed[e.Status] {
		if ok == to {
			e.Status = to
			if to.Terminal() {
				now := time.Now().UTC()
				e.EndedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s → %s", e.Status, to)
}

// markCompleted records a step completion. The completed and failed sets
// stay disjoint: a step that eventually completes leaves the failed set.
func (e *Execution) markCompleted(stepID string) {
	e.FailedSteps = removeString(e.FailedSteps, stepID)
	if !containsString(e.CompletedSteps, stepID) {
		e.CompletedSteps = append(e.CompletedSteps, stepID)
	}
}

// markFailed records a step failure unless the step already completed.
func (e *Execution) markFailed(stepID string) {
	if containsString(e.CompletedSteps, stepID) {
		return
	}
	if !containsString(e.FailedSteps, stepID) {
		e.FailedSteps = append(e.FailedSteps, stepID)
	}
}

// Completed reports whether stepID completed.
func (e *Execution) Completed(stepID string) bool {
	return containsString(e.CompletedSteps, stepID)
}

// Variables returns the execution's current variable map.
func (e *Execution) Variables() value.Value {
	if e.Context.Variables.Kind() != value.KindMap {
		return value.Map(nil)
	}
	return e.Context.Variables
}

// mergeVariables folds a step's output map into the variables,
// last-write-wins per key.
func (e *Execution) mergeVariables(output value.Value) {
	if output.Kind() != value.KindMap {
		return
	}
	vars := e.Variables().MapVal()
	merged := make(map[string]value.Value, len(vars)+output.Len())
	for k, v := range vars {
		merged[k] = v
	}
	for k, v := range output.MapVal() {
		merged[k] = v
	}
	e.Context.Variables = value.Map(merged)
}

// snapshot captures the recoverable state at a step boundary. This is
// the checkpointed payload.
func (e *Execution) snapshot() value.Value {
	completed := make([]value.Value, len(e.CompletedSteps))
	for i, s := range e.CompletedSteps {
		completed[i] = value.String(s)
	}
	failed := make([]value.Value, len(e.FailedSteps))
	for i, s := range e.FailedSteps {
		failed[i] = value.String(s)
	}
	return value.Map(map[string]value.Value{
		"execution_id": value.String(e.ID),
		"flow_id":      value.String(e.FlowID),
		"current_step": value.String(e.CurrentStep),
		"completed":    value.List(completed...),
		"failed":       value.List(failed...),
		"variables":    e.Variables(),
	})
}

// restoreSnapshot applies a verified checkpoint snapshot.
func (e *Execution) restoreSnapshot(snap value.Value) {
	if cur, ok := snap.Get("current_step"); ok {
		e.CurrentStep = cur.Str()
	}
	if completed, ok := snap.Get("completed"); ok {
		e.CompletedSteps = nil
		for _, v := range completed.ListVal() {
			e.CompletedSteps = append(e.CompletedSteps, v.Str())
		}
	}
	if failed, ok := snap.Get("failed"); ok {
		e.FailedSteps = nil
		for _, v := range failed.ListVal() {
			e.FailedSteps = append(e.FailedSteps, v.Str())
		}
	}
	if vars, ok := snap.Get("variables"); ok {
		e.Context.Variables = vars
	}
}

// Marshal serializes the execution for persistence.
func (e *Execution) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalExecution deserializes a persisted execution.
func UnmarshalExecution(data []byte) (*Execution, error) {
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("exec: unmarshal execution: %w", err)
	}
	return &e, nil
}

// Clone returns a deep copy for safe external observation.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.CompletedSteps = append([]string(nil), e.CompletedSteps...)
	cp.FailedSteps = append([]string(nil), e.FailedSteps...)
	cp.Context.Permissions = append([]string(nil), e.Context.Permissions...)
	cp.Context.Variables = e.Context.Variables.Clone()
	cp.Context.Input = e.Context.Input.Clone()
	if e.Assignments != nil {
		cp.Assignments = make(map[string]string, len(e.Assignments))
		for k, v := range e.Assignments {
			cp.Assignments[k] = v
		}
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func containsString(set []string, s string) bool {
	for _, e := range set {
		if e == s {
			return true
		}
	}
	return false
}

func removeString(set []string, s string) []string {
	out := set[:0]
	for _, e := range set {
		if e != s {
			out = append(out, e)
		}
	}
	return out
}
