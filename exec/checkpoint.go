package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh-go/sign"
	"github.com/flowmesh/flowmesh-go/store"
	"github.com/flowmesh/flowmesh-go/value"
)

// Checkpoint is a signed, content-addressed snapshot of execution state
// at a step boundary.
//
// Checkpoints are totally ordered per execution by Seq. A step counts as
// complete only once its checkpoint is durably written and verifiable;
// that write is what makes completion at-most-once.
type Checkpoint struct {
	// ID is the checkpoint's content identifier once written.
	ID sign.CID `json:"id,omitempty"`

	// ExecutionID and StepID locate the boundary.
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`

	// Seq is the monotonic sequence number within the execution.
	Seq int `json:"seq"`

	// Snapshot is the captured execution state.
	Snapshot value.Value `json:"snapshot"`

	// Timestamp records creation time.
	Timestamp time.Time `json:"timestamp"`

	// PolicyVersion and KeyID pin the policy and signing key the
	// checkpoint was produced under.
	PolicyVersion string `json:"policy_version"`
	KeyID         string `json:"key_id"`

	// Signature covers every field above except ID (see signingBytes).
	Signature sign.Signature `json:"signature"`
}

// signingBytes is the byte string the checkpoint signature covers:
// canonical(identifying fields ∥ snapshot) ∥ policy version ∥ key id.
func (c *Checkpoint) signingBytes() []byte {
	body := value.Map(map[string]value.Value{
		"execution_id": value.String(c.ExecutionID),
		"step_id":      value.String(c.StepID),
		"seq":          value.Int(int64(c.Seq)),
		"timestamp":    value.Int(c.Timestamp.UnixNano()),
		"snapshot":     c.Snapshot,
	})
	buf := value.Canonical(body)
	buf = append(buf, 0)
	buf = append(buf, c.PolicyVersion...)
	buf = append(buf, 0)
	buf = append(buf, c.KeyID...)
	return buf
}

// Sign computes and attaches the signature.
func (c *Checkpoint) Sign(signer sign.Signer) error {
	c.KeyID = signer.KeyID()
	sig, err := signer.Sign(c.signingBytes())
	if err != nil {
		return fmt.Errorf("exec: sign checkpoint: %w", err)
	}
	c.Signature = sig
	return nil
}

// Verify reports whether the signature verifies under signer. Recovery
// refuses checkpoints that do not.
func (c *Checkpoint) Verify(signer sign.Signer) bool {
	return signer.Verify(c.signingBytes(), c.Signature)
}

// checkpointStore writes checkpoints through the content store and
// records their refs, and reads them back for recovery.
type checkpointStore struct {
	store   store.Store
	content store.ContentStore
	signer  sign.Signer
}

// write signs cp, stores its bytes content-addressed, and appends the
// ref to the execution's checkpoint list. Content addressing coalesces
// duplicate snapshots for free.
func (cs *checkpointStore) write(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Sign(cs.signer); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("exec: marshal checkpoint: %w", err)
	}
	cid, err := cs.content.Put(ctx, data)
	if err != nil {
		return fmt.Errorf("exec: store checkpoint content: %w", err)
	}
	cp.ID = cid

	return cs.store.AppendCheckpoint(ctx, store.CheckpointRef{
		ExecutionID: cp.ExecutionID,
		Seq:         cp.Seq,
		StepID:      cp.StepID,
		CID:         cid,
		CreatedAt:   cp.Timestamp,
	})
}

// load reads and decodes the checkpoint behind a ref, retrying transient
// content-store unavailability.
func (cs *checkpointStore) load(ctx context.Context, ref store.CheckpointRef) (*Checkpoint, error) {
	data, err := store.GetWithRetry(ctx, cs.content, ref.CID, 0)
	if err != nil {
		return nil, fmt.Errorf("exec: read checkpoint %s: %w", ref.CID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("exec: decode checkpoint %s: %w", ref.CID, err)
	}
	cp.ID = ref.CID
	return &cp, nil
}

// latestVerified walks an execution's checkpoints newest-first and
// returns the first whose signature verifies.
//
// Verification failures are reported through onBad (for the
// checkpoint.integrity.failed event). In strict mode any failure aborts
// recovery; otherwise the walk falls back up to fallbackDepth
// checkpoints before giving up.
func (cs *checkpointStore) latestVerified(ctx context.Context, executionID string, fallbackDepth int, strict bool, onBad func(ref store.CheckpointRef)) (*Checkpoint, error) {
	refs, err := cs.store.Checkpoints(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("exec: list checkpoints: %w", err)
	}
	if len(refs) == 0 {
		return nil, store.ErrNotFound
	}

	if fallbackDepth <= 0 {
		fallbackDepth = len(refs)
	}

	tried := 0
	for i := len(refs) - 1; i >= 0 && tried < fallbackDepth; i-- {
		tried++
		cp, err := cs.load(ctx, refs[i])
		if err != nil {
			if strict {
				return nil, err
			}
			onBad(refs[i])
			continue
		}
		if !cp.Verify(cs.signer) {
			onBad(refs[i])
			if strict {
				return nil, errCode(CodeCheckpointIntegrityFailed,
					"checkpoint %s failed signature verification", refs[i].CID)
			}
			continue
		}
		return cp, nil
	}

	return nil, errCode(CodeCheckpointIntegrityFailed,
		"no verifiable checkpoint within fallback depth %d for execution %s", fallbackDepth, executionID)
}
