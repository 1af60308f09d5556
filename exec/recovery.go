package exec

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/store"
	"github.com/flowmesh/flowmesh-go/value"
)

// Recover reclaims non-terminal executions from the store — after a
// scheduler restart, or executions owned by a node that is gone — and
// resumes each from its latest verifiable checkpoint.
//
// For each execution, recovery walks the checkpoint list newest-first
// and restores the first snapshot whose signature verifies, emitting
// checkpoint.integrity.failed for any that do not (strict mode aborts
// that execution's recovery instead of falling back). Execution resumes
// from the first step not marked completed in the restored snapshot. An
// execution with no checkpoints restarts from the entry step with its
// persisted context.
//
// Returns the number of executions resumed.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	nonTerminal := []string{string(StatusPending), string(StatusRunning), string(StatusPaused)}
	recs, err := s.deps.Store.ListExecutions(ctx, "", nonTerminal)
	if err != nil {
		return 0, errCode(CodeInternal, "list recoverable executions: %v", err)
	}

	resumed := 0
	for _, rec := range recs {
		s.mu.Lock()
		_, alreadyOwned := s.execs[rec.ID]
		s.mu.Unlock()
		if alreadyOwned {
			continue
		}

		if err := s.recoverOne(ctx, rec); err != nil {
			s.deps.Logger.Error().Str("execution", rec.ID).Err(err).Msg("execution recovery failed")
			continue
		}
		resumed++
	}
	return resumed, nil
}

func (s *Scheduler) recoverOne(ctx context.Context, rec store.ExecutionRecord) error {
	ex, err := UnmarshalExecution(rec.Data)
	if err != nil {
		return err
	}
	f, err := s.loadFlow(ctx, ex.FlowID)
	if err != nil {
		return err
	}

	onBad := func(ref store.CheckpointRef) {
		s.deps.Metrics.checkpointFailed()
		if s.deps.Bus != nil {
			_, _ = s.deps.Bus.Emit(ctx, event.TypeCheckpointIntegrityFailed, "core.scheduler", value.Map(map[string]value.Value{
				"execution_id": value.String(ex.ID),
				"step_id":      value.String(ref.StepID),
				"cid":          value.String(string(ref.CID)),
			}))
		}
	}

	cp, err := s.cps.latestVerified(ctx, ex.ID, s.opts.FallbackDepth, s.opts.CheckpointVerifyStrict, onBad)
	switch {
	case err == nil:
		ex.restoreSnapshot(cp.Snapshot)
		// Continue the sequence after the highest existing ref, not the
		// restored one: recovery may have fallen back past later (bad)
		// checkpoints whose sequence numbers are already taken.
		ex.CheckpointSeq = cp.Seq
		if refs, lerr := s.deps.Store.Checkpoints(ctx, ex.ID); lerr == nil {
			for _, ref := range refs {
				if ref.Seq > ex.CheckpointSeq {
					ex.CheckpointSeq = ref.Seq
				}
			}
		}
	case errors.Is(err, store.ErrNotFound):
		// Crashed before the first checkpoint: restart from the entry
		// step with the persisted context.
		if entry, ok := f.Entry(); ok {
			ex.CurrentStep = entry.ID
		}
	default:
		return err
	}

	if ex.Assignments == nil {
		ex.Assignments = make(map[string]string)
	}

	policy := s.deps.Registry.Policy(ex.Context.Tenant)
	if err := s.queue.acquire(ctx, ex.Context.Tenant, policy.MaxInFlight); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	es := &execState{
		exec:   ex,
		flow:   f,
		policy: policy,
		cancel: cancel,
		done:   make(chan struct{}),
		corr:   uuid.NewString(),
	}
	if ex.Status == StatusPaused {
		es.resumeCh = make(chan struct{})
	}

	s.mu.Lock()
	s.execs[ex.ID] = es
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, es)
	return nil
}

// Retire deletes executions that reached a terminal status longer than
// the retention period ago, together with their checkpoint refs.
// Checkpoint content stays addressable in the content store (archival by
// content identifier).
func (s *Scheduler) Retire(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.opts.Retention)
	n, err := s.deps.Store.DeleteExpired(ctx, TerminalStatuses(), cutoff)
	if err != nil {
		return 0, errCode(CodeInternal, "retention sweep: %v", err)
	}

	// Drop retired executions from the in-memory map as well.
	s.mu.Lock()
	for id, es := range s.execs {
		es.mu.Lock()
		terminal := es.exec.Status.Terminal()
		ended := es.exec.EndedAt
		es.mu.Unlock()
		if terminal && ended != nil && ended.Before(cutoff) {
			delete(s.execs, id)
		}
	}
	s.mu.Unlock()

	return n, nil
}
