package exec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/flow"
	"github.com/flowmesh/flowmesh-go/pipeline"
	"github.com/flowmesh/flowmesh-go/value"
)

// stepOutcome is the settled result of one step, whatever its kind.
type stepOutcome struct {
	success bool
	output  value.Value

	// routed overrides the step's static OnSuccess target (conditions
	// choose their edge).
	routed bool
	next   string

	failure *StepFailure
}

func failOutcome(kind, message string) stepOutcome {
	return stepOutcome{failure: &StepFailure{Kind: kind, Message: message}}
}

// runStep executes one step to settlement, honoring its kind, retry
// policy, and deadline.
func (s *Scheduler) runStep(ctx context.Context, es *execState, step flow.Step) stepOutcome {
	// Gate the step input through the validation pipeline when one is
	// configured. Validation fails closed.
	if verdict := s.validateStep(ctx, es, step); verdict != nil {
		return *verdict
	}

	switch step.Kind {
	case flow.KindCondition:
		return s.runCondition(es, step)
	case flow.KindParallel:
		return s.runParallel(ctx, es, step)
	case flow.KindEventTrigger:
		return s.runEventTrigger(ctx, es, step)
	default: // task, module-call
		return s.dispatchWithRetry(ctx, es, step)
	}
}

// validateStep consults the validation pipeline with the step's input.
// Returns a failure outcome when validation blocks, nil otherwise.
func (s *Scheduler) validateStep(ctx context.Context, es *execState, step flow.Step) *stepOutcome {
	if s.deps.Pipeline == nil {
		return nil
	}

	es.mu.Lock()
	req := &pipeline.Request{
		Method:     "step",
		Path:       es.exec.FlowID + "/" + step.ID,
		Identity:   es.exec.Context.Identity,
		Tenant:     es.exec.Context.Tenant,
		Timestamp:  time.Now().UTC(),
		Resource:   es.exec.FlowID,
		Permission: "flows.execute",
		Payload:    step.Params,
	}
	es.mu.Unlock()

	verdict := s.deps.Pipeline.Run(ctx, req)
	if verdict.Passed {
		return nil
	}
	out := failOutcome(ErrKindPolicy, "step input validation failed: "+verdict.Code)
	return &out
}

// runCondition evaluates the step predicate over the variables and
// routes without dispatching.
func (s *Scheduler) runCondition(es *execState, step flow.Step) stepOutcome {
	es.mu.Lock()
	vars := es.exec.Variables()
	es.mu.Unlock()

	next := step.OnFailure
	if evalCondition(step.Params, vars) {
		next = step.OnSuccess
	}
	return stepOutcome{success: true, routed: true, next: next}
}

// runParallel dispatches the enumerated branch steps concurrently and
// waits for all of them. Branch outputs merge into the variables in
// branch declaration order. A failed branch fails the parallel step
// unless AllowPartial is set and at least one branch succeeded.
func (s *Scheduler) runParallel(ctx context.Context, es *execState, step flow.Step) stepOutcome {
	type branchResult struct {
		id      string
		outcome stepOutcome
	}

	results := make([]branchResult, len(step.Branches))
	var wg sync.WaitGroup
	for i, branchID := range step.Branches {
		branch, ok := es.flow.Step(branchID)
		if !ok {
			return failOutcome(ErrKindAction, "parallel branch "+branchID+" not found")
		}
		wg.Add(1)
		go func(i int, branch flow.Step) {
			defer wg.Done()
			results[i] = branchResult{id: branch.ID, outcome: s.dispatchWithRetry(ctx, es, branch)}
		}(i, branch)
	}
	wg.Wait()

	merged := make(map[string]value.Value)
	succeeded := 0
	var firstFailure *StepFailure
	for _, r := range results {
		es.mu.Lock()
		if r.outcome.success {
			es.exec.markCompleted(r.id)
			succeeded++
			for k, v := range r.outcome.output.MapVal() {
				merged[k] = v
			}
		} else {
			es.exec.markFailed(r.id)
			if firstFailure == nil {
				firstFailure = r.outcome.failure
			}
		}
		es.mu.Unlock()
	}

	if firstFailure != nil && !(step.AllowPartial && succeeded > 0) {
		return stepOutcome{failure: firstFailure}
	}
	return stepOutcome{success: true, output: value.Map(merged)}
}

// runEventTrigger suspends the execution until the named event arrives
// on the bus or the wait deadline elapses.
func (s *Scheduler) runEventTrigger(ctx context.Context, es *execState, step flow.Step) stepOutcome {
	if s.deps.Bus == nil {
		return failOutcome(ErrKindAction, "event-trigger step requires an event bus")
	}

	arrived := make(chan event.Event, 1)
	unsubscribe := s.deps.Bus.Subscribe(step.Event, func(ev event.Event) {
		select {
		case arrived <- ev:
		default: // already satisfied
		}
	})
	defer unsubscribe()

	wait := step.WaitTimeout
	if wait <= 0 {
		wait = s.stepDeadline(es, step)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ev := <-arrived:
		return stepOutcome{success: true, output: value.Map(map[string]value.Value{
			step.ID: ev.Payload,
		})}
	case <-timer.C:
		return failOutcome(ErrKindTimeout, "no "+step.Event+" event within "+wait.String())
	case <-ctx.Done():
		return failOutcome(ErrKindTimeout, "execution cancelled while awaiting "+step.Event)
	}
}

// stepDeadline computes a step's effective timeout:
// min(step timeout or default, tenant max step time, scheduler cap).
func (s *Scheduler) stepDeadline(es *execState, step flow.Step) time.Duration {
	d := step.Timeout
	if d <= 0 {
		d = s.opts.DefaultStepTimeout
	}
	if es.policy.MaxStepTime > 0 && d > es.policy.MaxStepTime {
		d = es.policy.MaxStepTime
	}
	if d > s.opts.MaxStepTimeout {
		d = s.opts.MaxStepTimeout
	}
	return d
}

// capabilitiesFor derives a step's required worker capabilities: the
// explicit params["capabilities"] list when present, else the action's
// namespace (the segment before the first dot).
func capabilitiesFor(step flow.Step) []string {
	if caps, ok := step.Params.Get("capabilities"); ok && caps.Kind() == value.KindList {
		var out []string
		for _, c := range caps.ListVal() {
			if c.Kind() == value.KindString {
				out = append(out, c.Str())
			}
		}
		return out
	}
	if idx := strings.IndexByte(step.Action, '.'); idx > 0 {
		return []string{step.Action[:idx]}
	}
	if step.Action != "" {
		return []string{step.Action}
	}
	return nil
}

// dispatchWithRetry drives one task or module-call step to settlement:
// select a node, dispatch with a deadline, and on retryable failure wait
// out the retry schedule and try again on a different node.
func (s *Scheduler) dispatchWithRetry(ctx context.Context, es *execState, step flow.Step) stepOutcome {
	es.mu.Lock()
	tenant := es.exec.Context.Tenant
	executionID := es.exec.ID
	es.mu.Unlock()

	caps := capabilitiesFor(step)
	deadline := s.stepDeadline(es, step)

	var lastNode string
	for attempt := 0; ; attempt++ {
		nodeID, failure := s.selectNode(tenant, caps, step.ID, lastNode)
		var outcome stepOutcome
		if failure != nil {
			outcome = stepOutcome{failure: failure}
		} else {
			outcome = s.dispatchOnce(ctx, es, step, nodeID, executionID, deadline, attempt)
		}

		if outcome.success {
			return outcome
		}
		if ctx.Err() != nil {
			// Aborted or shut down; the caller discards the outcome.
			return outcome
		}

		f := outcome.failure
		retryable := f.Retryable || f.Kind == ErrKindTimeout || f.Kind == ErrKindUnreachable
		if !retryable || step.Retry == nil || !step.Retry.Retries(f.Kind, attempt) {
			return outcome
		}

		s.deps.Metrics.retried()
		lastNode = nodeID

		delay := step.Retry.Delay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return outcome
		}
	}
}

// selectNode picks the best-ranked live node, preferring one different
// from the node that just failed.
func (s *Scheduler) selectNode(tenant string, caps []string, stepID, avoid string) (string, *StepFailure) {
	nodes := s.deps.Registry.Nodes(tenant, caps, stepID)
	if len(nodes) == 0 {
		return "", &StepFailure{
			Kind:      ErrKindUnreachable,
			Retryable: true,
			Message:   "no live worker node advertises " + strings.Join(caps, ","),
		}
	}
	for _, n := range nodes {
		if n.ID != avoid {
			return n.ID, nil
		}
	}
	// Only the failing node is available; reuse it rather than stall.
	return nodes[0].ID, nil
}

// dispatchOnce performs a single dispatch attempt with its deadline.
func (s *Scheduler) dispatchOnce(ctx context.Context, es *execState, step flow.Step, nodeID, executionID string, deadline time.Duration, attempt int) stepOutcome {
	es.mu.Lock()
	call := StepCall{
		ExecutionID:   executionID,
		StepID:        step.ID,
		NodeID:        nodeID,
		Action:        step.Action,
		Params:        step.Params,
		Variables:     es.exec.Variables(),
		Deadline:      time.Now().Add(deadline),
		Attempt:       attempt,
		CorrelationID: es.corr,
	}
	es.exec.Assignments[step.ID] = nodeID
	tenant := es.exec.Context.Tenant
	es.mu.Unlock()

	s.emit(ctx, es, event.TypeExecutionStepDispatched, map[string]value.Value{
		"step_id": value.String(step.ID),
		"node_id": value.String(nodeID),
		"attempt": value.Int(int64(attempt)),
	})

	s.deps.Metrics.stepDispatched()
	s.deps.Registry.AddLoad(tenant, nodeID, 1)
	start := time.Now()

	callCtx, cancel := context.WithDeadline(ctx, call.Deadline)
	reply, err := s.deps.Dispatcher.Dispatch(callCtx, call)
	cancel()

	s.deps.Registry.AddLoad(tenant, nodeID, -1)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded):
		s.deps.Metrics.stepSettled("timeout", time.Since(start).Seconds())
		return stepOutcome{failure: &StepFailure{
			Kind:      ErrKindTimeout,
			Retryable: true,
			Message:   "step " + step.ID + " exceeded deadline " + deadline.String() + " on node " + nodeID,
		}}
	case err != nil:
		s.deps.Metrics.stepSettled("error", time.Since(start).Seconds())
		return stepOutcome{failure: &StepFailure{
			Kind:      ErrKindUnreachable,
			Retryable: true,
			Message:   "node " + nodeID + " unreachable: " + err.Error(),
		}}
	case reply.Failure != nil:
		s.deps.Metrics.stepSettled("failure", time.Since(start).Seconds())
		return stepOutcome{failure: reply.Failure}
	default:
		s.deps.Metrics.stepSettled("success", time.Since(start).Seconds())
		return stepOutcome{success: true, output: reply.Output}
	}
}
