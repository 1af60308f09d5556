package exec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh-go/admission"
	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/flow"
	"github.com/flowmesh/flowmesh-go/pipeline"
	"github.com/flowmesh/flowmesh-go/registry"
	"github.com/flowmesh/flowmesh-go/sign"
	"github.com/flowmesh/flowmesh-go/store"
	"github.com/flowmesh/flowmesh-go/value"
)

// Scheduler defaults.
const (
	DefaultStepTimeout = 30 * time.Second
	DefaultMaxStepTime = time.Hour
	DefaultRetention   = 7 * 24 * time.Hour
)

// Options configures the Scheduler.
type Options struct {
	// MaxInFlightPerTenant ceils concurrently admitted executions per
	// tenant; the tenant policy can lower it. Default 32.
	MaxInFlightPerTenant int

	// QueueCapacity bounds the admission wait queue. Default 1024.
	QueueCapacity int

	// DefaultStepTimeout applies to steps without an explicit timeout.
	// Default 30 s.
	DefaultStepTimeout time.Duration

	// MaxStepTimeout caps every step deadline. Default 1 h.
	MaxStepTimeout time.Duration

	// PolicyVersion tags checkpoints and cache keys.
	PolicyVersion string

	// CheckpointVerifyStrict fails recovery on the first unverifiable
	// checkpoint instead of falling back.
	CheckpointVerifyStrict bool

	// FallbackDepth bounds how many checkpoints recovery may fall back
	// through. 0 means all.
	FallbackDepth int

	// Retention is how long terminal executions are kept before the
	// retirement sweep removes them. Default 7 days.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultStepTimeout <= 0 {
		o.DefaultStepTimeout = DefaultStepTimeout
	}
	if o.MaxStepTimeout <= 0 {
		o.MaxStepTimeout = DefaultMaxStepTime
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

// Deps are the scheduler's collaborators, wired by the bootstrapper.
type Deps struct {
	// Store persists executions, checkpoint refs, and flows. Required.
	Store store.Store

	// Content is the content-addressed store checkpoints write through.
	// Required.
	Content store.ContentStore

	// Signer signs checkpoints. Required.
	Signer sign.Signer

	// Registry supplies worker nodes and tenant policy. Required.
	Registry *registry.Registry

	// Dispatcher delivers step calls to workers. Required.
	Dispatcher Dispatcher

	// Admission gates triggers. Optional; nil admits everything.
	Admission *admission.Controller

	// Pipeline validates step inputs. Optional.
	Pipeline *pipeline.Pipeline

	// Bus receives execution.* events. Optional.
	Bus *event.Bus

	// Logger receives diagnostics.
	Logger zerolog.Logger

	// Metrics receives scheduler metrics. Optional.
	Metrics *Metrics
}

// execState is the in-memory owner of one execution. The run loop is the
// only writer of exec between observable states; external operations
// (Pause, Resume, Abort, Status) synchronize through mu.
type execState struct {
	mu     sync.Mutex
	exec   *Execution
	flow   *flow.Flow
	policy registry.TenantPolicy

	cancel   context.CancelFunc
	resumeCh chan struct{}
	done     chan struct{}
	corr     string
}

// Scheduler runs executions: it admits triggers, walks flow graphs,
// dispatches steps to worker nodes, writes signed checkpoints, and
// recovers executions after a crash.
type Scheduler struct {
	opts Options
	deps Deps

	cps   *checkpointStore
	queue *tenantQueue

	mu    sync.Mutex
	execs map[string]*execState

	wg sync.WaitGroup
}

// New creates a Scheduler.
func New(opts Options, deps Deps) (*Scheduler, error) {
	if deps.Store == nil || deps.Content == nil || deps.Signer == nil || deps.Registry == nil || deps.Dispatcher == nil {
		return nil, errCode(CodeInternal, "scheduler requires store, content store, signer, registry, and dispatcher")
	}
	opts = opts.withDefaults()
	return &Scheduler{
		opts:  opts,
		deps:  deps,
		cps:   &checkpointStore{store: deps.Store, content: deps.Content, signer: deps.Signer},
		queue: newTenantQueue(opts.MaxInFlightPerTenant, opts.QueueCapacity),
		execs: make(map[string]*execState),
	}, nil
}

// Shutdown waits for the run loops of all in-memory executions to return,
// or until ctx expires. It cancels nothing: run loops use contexts
// detached from the caller's, so only their own completion or Abort ends
// them.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishFlow validates and persists a flow. Updating an existing flow
// requires the actor to be the owner or to hold the update permission
// (delegates).
func (s *Scheduler) PublishFlow(ctx context.Context, f *flow.Flow, actor string, permissions []string) error {
	if errs, _ := flow.Validate(f); len(errs) > 0 {
		return errCode(CodeFlowValidationFailed, "%s", strings.Join(errs, "; "))
	}

	if existing, err := s.loadFlow(ctx, f.ID); err == nil {
		if existing.Owner != actor && !containsString(permissions, "flows.update") {
			return errCode(CodeFlowValidationFailed, "actor %q may not update flow %q", actor, f.ID)
		}
	}

	data, err := flow.Serialize(f)
	if err != nil {
		return errCode(CodeInternal, "serialize flow: %v", err)
	}
	if err := s.deps.Store.PutFlow(ctx, store.FlowRecord{ID: f.ID, Data: data, UpdatedAt: time.Now().UTC()}); err != nil {
		return errCode(CodeInternal, "persist flow: %v", err)
	}
	return nil
}

// GetFlow loads a published flow.
func (s *Scheduler) GetFlow(ctx context.Context, id string) (*flow.Flow, error) {
	return s.loadFlow(ctx, id)
}

// DeleteFlow removes a flow. Deletion is refused while any execution
// referencing the flow is non-terminal.
func (s *Scheduler) DeleteFlow(ctx context.Context, id, actor string, permissions []string) error {
	f, err := s.loadFlow(ctx, id)
	if err != nil {
		return err
	}
	if f.Owner != actor && !containsString(permissions, "flows.update") {
		return errCode(CodeFlowValidationFailed, "actor %q may not delete flow %q", actor, id)
	}

	active, err := s.deps.Store.CountActiveExecutions(ctx, id, TerminalStatuses())
	if err != nil {
		return errCode(CodeInternal, "count active executions: %v", err)
	}
	if active > 0 {
		return errCode(CodeFlowInUse, "flow %q has %d non-terminal executions", id, active)
	}
	if err := s.deps.Store.DeleteFlow(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errCode(CodeFlowNotFound, "flow %q not found", id)
		}
		return errCode(CodeInternal, "delete flow: %v", err)
	}
	return nil
}

func (s *Scheduler) loadFlow(ctx context.Context, id string) (*flow.Flow, error) {
	rec, err := s.deps.Store.GetFlow(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errCode(CodeFlowNotFound, "flow %q not found", id)
		}
		return nil, errCode(CodeInternal, "load flow: %v", err)
	}
	res := flow.Parse(rec.Data)
	if !res.OK() {
		return nil, errCode(CodeInternal, "stored flow %q no longer parses: %s", id, strings.Join(res.Errors, "; "))
	}
	return res.Flow, nil
}

// Start admits a trigger against a published flow and begins executing
// it. Start blocks while the tenant is at its in-flight ceiling (the
// admission queue) and fails fast with QUEUE_FULL when the queue is at
// capacity. On success the execution runs in the background; observe it
// via Status, Wait, and the event stream.
func (s *Scheduler) Start(ctx context.Context, flowID string, trigger Trigger) (string, error) {
	f, err := s.loadFlow(ctx, flowID)
	if err != nil {
		return "", err
	}

	// Admission gate.
	if s.deps.Admission != nil {
		decision := s.deps.Admission.Admit(ctx, admission.Request{
			Tenant:       trigger.Tenant,
			SubIdentity:  trigger.Identity,
			TenantSubnet: trigger.TenantSubnet,
			Endpoint:     "flows/" + flowID + "/trigger",
			Reputation:   0,
			Cost:         admission.Delta{Invocations: 1},
		})
		if !decision.Allowed {
			return "", &Error{Code: decision.Code, Message: "admission denied; retry after " + decision.RetryAfter.String()}
		}
	}

	policy := s.deps.Registry.Policy(trigger.Tenant)

	// Backpressure: wait for an in-flight slot (fair across tenants).
	if err := s.queue.acquire(ctx, trigger.Tenant, policy.MaxInFlight); err != nil {
		return "", err
	}
	s.deps.Metrics.setQueueDepth(s.queue.depth())

	ex := &Execution{
		ID:     uuid.NewString(),
		FlowID: flowID,
		Status: StatusPending,
		Context: ExecContext{
			Identity:     trigger.Identity,
			TriggerKind:  trigger.Kind,
			Input:        trigger.Input,
			Variables:    initialVariables(trigger.Input),
			Tenant:       trigger.Tenant,
			TenantSubnet: trigger.TenantSubnet,
			Permissions:  trigger.Permissions,
		},
		StartedAt:   time.Now().UTC(),
		Assignments: make(map[string]string),
	}
	if entry, ok := f.Entry(); ok {
		ex.CurrentStep = entry.ID
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	es := &execState{
		exec:     ex,
		flow:     f,
		policy:   policy,
		cancel:   cancel,
		done:     make(chan struct{}),
		corr:     uuid.NewString(),
	}

	s.mu.Lock()
	s.execs[ex.ID] = es
	s.mu.Unlock()

	if err := s.persist(runCtx, es); err != nil {
		s.mu.Lock()
		delete(s.execs, ex.ID)
		s.mu.Unlock()
		s.queue.release(trigger.Tenant)
		cancel()
		return "", err
	}

	s.wg.Add(1)
	go s.run(runCtx, es)

	return ex.ID, nil
}

// initialVariables seeds the variable map from the trigger input: a map
// input becomes the variables, anything else lands under "input".
func initialVariables(input value.Value) value.Value {
	if input.Kind() == value.KindMap {
		return input.Clone()
	}
	if input.IsNull() {
		return value.Map(nil)
	}
	return value.Map(map[string]value.Value{"input": input})
}

// state returns the in-memory state for id.
func (s *Scheduler) state(id string) (*execState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.execs[id]
	if !ok {
		return nil, errCode(CodeExecutionNotFound, "execution %q not found", id)
	}
	return es, nil
}

// Status returns a snapshot of the execution.
func (s *Scheduler) Status(ctx context.Context, id string) (*Execution, error) {
	if es, err := s.state(id); err == nil {
		es.mu.Lock()
		defer es.mu.Unlock()
		return es.exec.Clone(), nil
	}

	// Fall back to the store for retired or recovered-elsewhere runs.
	rec, err := s.deps.Store.LoadExecution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errCode(CodeExecutionNotFound, "execution %q not found", id)
		}
		return nil, errCode(CodeInternal, "load execution: %v", err)
	}
	return UnmarshalExecution(rec.Data)
}

// Wait blocks until the execution reaches a terminal status or ctx
// expires.
func (s *Scheduler) Wait(ctx context.Context, id string) error {
	es, err := s.state(id)
	if err != nil {
		return err
	}
	select {
	case <-es.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends a running execution at its next step boundary. The
// status changes immediately; a step already dispatched completes first.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	es, err := s.state(id)
	if err != nil {
		return err
	}

	es.mu.Lock()
	if err := es.exec.transition(StatusPaused); err != nil {
		es.mu.Unlock()
		return errCode(CodeInternal, "pause: %v", err)
	}
	es.resumeCh = make(chan struct{})
	es.mu.Unlock()

	s.persistAndEmit(ctx, es, event.TypeExecutionPaused, nil)
	return nil
}

// Resume continues a paused execution.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	es, err := s.state(id)
	if err != nil {
		return err
	}

	es.mu.Lock()
	if err := es.exec.transition(StatusRunning); err != nil {
		es.mu.Unlock()
		return errCode(CodeInternal, "resume: %v", err)
	}
	if es.resumeCh != nil {
		close(es.resumeCh)
		es.resumeCh = nil
	}
	es.mu.Unlock()

	s.persistAndEmit(ctx, es, event.TypeExecutionResumed, nil)
	return nil
}

// Abort terminates an execution. Outstanding step deadlines are
// cancelled best-effort and any late replies are discarded.
func (s *Scheduler) Abort(ctx context.Context, id string) error {
	es, err := s.state(id)
	if err != nil {
		return err
	}

	es.mu.Lock()
	if err := es.exec.transition(StatusAborted); err != nil {
		es.mu.Unlock()
		return errCode(CodeInternal, "abort: %v", err)
	}
	if es.resumeCh != nil {
		close(es.resumeCh) // unblock a paused run loop so it can exit
		es.resumeCh = nil
	}
	es.mu.Unlock()

	es.cancel()
	s.persistAndEmit(ctx, es, event.TypeExecutionAborted, nil)
	return nil
}

// run is the per-execution owner loop. It is the only goroutine that
// advances exec between observable states; checkpoints are fully written
// before the next step starts, so no checkpoint is ever partial.
func (s *Scheduler) run(ctx context.Context, es *execState) {
	defer s.wg.Done()
	defer close(es.done)
	defer func() {
		s.queue.release(es.exec.Context.Tenant)
		s.deps.Metrics.setQueueDepth(s.queue.depth())
	}()

	ctx = event.WithCorrelationID(ctx, es.corr)

	es.mu.Lock()
	if es.exec.Status == StatusPending {
		if err := es.exec.transition(StatusRunning); err != nil {
			es.mu.Unlock()
			return
		}
	}
	es.mu.Unlock()

	s.persistAndEmit(ctx, es, event.TypeExecutionStarted, nil)

	for {
		// Observe pause/abort at the step boundary.
		es.mu.Lock()
		status := es.exec.Status
		currentStep := es.exec.CurrentStep
		resumeCh := es.resumeCh
		es.mu.Unlock()

		switch {
		case status == StatusAborted:
			return
		case status.Terminal():
			return
		case status == StatusPaused:
			select {
			case <-resumeCh:
				continue
			case <-ctx.Done():
				return
			}
		}

		if currentStep == "" || currentStep == StepDone {
			s.finish(ctx, es, StatusCompleted, "")
			return
		}

		step, ok := es.flow.Step(currentStep)
		if !ok {
			s.finish(ctx, es, StatusFailed, "step "+currentStep+" not found in flow")
			return
		}

		outcome := s.runStep(ctx, es, step)

		es.mu.Lock()
		if es.exec.Status == StatusAborted {
			// The execution was aborted while the step was in flight;
			// the late result is discarded.
			es.mu.Unlock()
			return
		}

		if outcome.success {
			es.exec.mergeVariables(outcome.output)
			es.exec.markCompleted(step.ID)
			next := step.OnSuccess
			if outcome.routed {
				next = outcome.next
			}
			es.exec.CurrentStep = sentinelIfEmpty(next)
			es.mu.Unlock()

			if err := s.checkpoint(ctx, es, step.ID); err != nil {
				// A step is only complete once its checkpoint is
				// durable; without one we cannot guarantee exactly-once
				// effects after recovery.
				s.deps.Metrics.checkpointFailed()
				s.finish(ctx, es, StatusFailed, "checkpoint write failed: "+err.Error())
				return
			}
			s.persistAndEmit(ctx, es, event.TypeExecutionStepCompleted, map[string]value.Value{
				"step_id": value.String(step.ID),
			})
			continue
		}

		// Failure path.
		es.exec.markFailed(step.ID)
		es.exec.LastError = outcome.failure.Message
		hasFallback := step.OnFailure != ""
		if hasFallback {
			es.exec.CurrentStep = step.OnFailure
		}
		es.mu.Unlock()

		if err := s.checkpoint(ctx, es, step.ID); err != nil {
			s.deps.Metrics.checkpointFailed()
			s.finish(ctx, es, StatusFailed, "checkpoint write failed: "+err.Error())
			return
		}

		if !hasFallback {
			s.finish(ctx, es, StatusFailed, outcome.failure.Message)
			return
		}
		_ = s.persist(ctx, es)
	}
}

func sentinelIfEmpty(next string) string {
	if next == "" {
		return StepDone
	}
	return next
}

// finish drives the execution to a terminal status and emits the
// terminal event.
func (s *Scheduler) finish(ctx context.Context, es *execState, status Status, lastError string) {
	es.mu.Lock()
	if es.exec.Status.Terminal() {
		es.mu.Unlock()
		return
	}
	if lastError != "" {
		es.exec.LastError = lastError
	}
	if status == StatusCompleted {
		es.exec.CurrentStep = StepDone
	}
	if err := es.exec.transition(status); err != nil {
		es.mu.Unlock()
		s.deps.Logger.Error().Str("execution", es.exec.ID).Err(err).Msg("terminal transition refused")
		return
	}
	es.mu.Unlock()

	typ := event.TypeExecutionCompleted
	var payload map[string]value.Value
	if status == StatusFailed {
		typ = event.TypeExecutionFailed
		payload = map[string]value.Value{"error": value.String(lastError)}
	}
	s.persistAndEmit(ctx, es, typ, payload)
}

// persist writes the execution record.
func (s *Scheduler) persist(ctx context.Context, es *execState) error {
	es.mu.Lock()
	data, err := es.exec.Marshal()
	rec := store.ExecutionRecord{
		ID:        es.exec.ID,
		FlowID:    es.exec.FlowID,
		Tenant:    es.exec.Context.Tenant,
		Status:    string(es.exec.Status),
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}
	es.mu.Unlock()
	if err != nil {
		return errCode(CodeInternal, "marshal execution: %v", err)
	}
	if err := s.deps.Store.SaveExecution(ctx, rec); err != nil {
		return errCode(CodeInternal, "persist execution: %v", err)
	}
	return nil
}

func (s *Scheduler) persistAndEmit(ctx context.Context, es *execState, eventType string, extra map[string]value.Value) {
	if err := s.persist(ctx, es); err != nil {
		s.deps.Logger.Error().Str("execution", es.exec.ID).Err(err).Msg("execution persistence failed")
	}
	s.emit(ctx, es, eventType, extra)
}

func (s *Scheduler) emit(ctx context.Context, es *execState, eventType string, extra map[string]value.Value) {
	if s.deps.Bus == nil {
		return
	}
	es.mu.Lock()
	payload := map[string]value.Value{
		"execution_id": value.String(es.exec.ID),
		"flow_id":      value.String(es.exec.FlowID),
		"status":       value.String(string(es.exec.Status)),
	}
	actor := es.exec.Context.Identity
	es.mu.Unlock()
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := s.deps.Bus.Emit(ctx, eventType, actor, value.Map(payload)); err != nil {
		s.deps.Logger.Debug().Err(err).Str("type", eventType).Msg("execution event emission failed")
	}
}

// checkpoint writes a signed checkpoint for the post-step state.
func (s *Scheduler) checkpoint(ctx context.Context, es *execState, stepID string) error {
	es.mu.Lock()
	cp := &Checkpoint{
		ExecutionID:   es.exec.ID,
		StepID:        stepID,
		Seq:           es.exec.CheckpointSeq + 1,
		Snapshot:      es.exec.snapshot(),
		Timestamp:     time.Now().UTC(),
		PolicyVersion: s.opts.PolicyVersion,
	}
	es.mu.Unlock()

	if err := s.cps.write(ctx, cp); err != nil {
		return err
	}

	es.mu.Lock()
	es.exec.CheckpointSeq = cp.Seq
	es.mu.Unlock()

	s.emit(ctx, es, event.TypeExecutionCheckpointed, map[string]value.Value{
		"step_id": value.String(stepID),
		"seq":     value.Int(int64(cp.Seq)),
		"cid":     value.String(string(cp.ID)),
	})
	return nil
}
