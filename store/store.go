// Package store provides persistence for executions, checkpoints, and
// flows, plus the content-addressed blob store the checkpoint layer
// writes through.
//
// Implementations:
//   - MemStore: in-memory maps (testing, single-process deployments)
//   - SQLiteStore: embedded SQLite via modernc.org/sqlite
//   - MySQLStore: MySQL via go-sql-driver/mysql
//   - PostgresStore: PostgreSQL via lib/pq
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowmesh/flowmesh-go/sign"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ExecutionRecord is the persisted form of an execution. Data is the
// engine's JSON serialization; the store indexes only the fields it
// filters on.
type ExecutionRecord struct {
	ID        string
	FlowID    string
	Tenant    string
	Status    string
	Data      []byte
	UpdatedAt time.Time
}

// CheckpointRef is one entry in an execution's ordered checkpoint list.
// The snapshot bytes live in the content store under CID; the ref is the
// durable pointer.
type CheckpointRef struct {
	ExecutionID string
	Seq         int
	StepID      string
	CID         sign.CID
	CreatedAt   time.Time
}

// FlowRecord is the persisted form of a published flow document.
type FlowRecord struct {
	ID        string
	Data      []byte
	UpdatedAt time.Time
}

// Store persists engine state. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveExecution inserts or replaces an execution record.
	SaveExecution(ctx context.Context, rec ExecutionRecord) error

	// LoadExecution returns the record for id, or ErrNotFound.
	LoadExecution(ctx context.Context, id string) (ExecutionRecord, error)

	// ListExecutions returns a tenant's executions, optionally filtered
	// to the given statuses.
	ListExecutions(ctx context.Context, tenant string, statuses []string) ([]ExecutionRecord, error)

	// DeleteExecution removes an execution and its checkpoint refs.
	DeleteExecution(ctx context.Context, id string) error

	// CountActiveExecutions counts executions referencing flowID whose
	// status is not in terminalStatuses. Flow deletion is refused while
	// this is non-zero.
	CountActiveExecutions(ctx context.Context, flowID string, terminalStatuses []string) (int, error)

	// AppendCheckpoint appends a checkpoint ref. Refs are totally
	// ordered by (execution id, seq); appending a duplicate seq is an
	// error.
	AppendCheckpoint(ctx context.Context, ref CheckpointRef) error

	// Checkpoints returns an execution's refs ordered by seq.
	Checkpoints(ctx context.Context, executionID string) ([]CheckpointRef, error)

	// PutFlow inserts or replaces a flow record.
	PutFlow(ctx context.Context, rec FlowRecord) error

	// GetFlow returns the record for id, or ErrNotFound.
	GetFlow(ctx context.Context, id string) (FlowRecord, error)

	// DeleteFlow removes a flow record. The in-use check is the
	// caller's responsibility (CountActiveExecutions).
	DeleteFlow(ctx context.Context, id string) error

	// DeleteExpired removes executions (and their checkpoint refs) that
	// reached a terminal status before the cutoff. Returns the count
	// removed. This is the retention sweep.
	DeleteExpired(ctx context.Context, terminalStatuses []string, cutoff time.Time) (int, error)

	// Close releases the backing resources.
	Close() error
}

// ContentStore is the opaque content-addressed blob store. The engine
// assumes eventual availability; readers retry via GetWithRetry.
type ContentStore interface {
	// Put stores b and returns its content identifier.
	Put(ctx context.Context, b []byte) (sign.CID, error)

	// Get returns the bytes addressed by cid, or ErrNotFound.
	Get(ctx context.Context, cid sign.CID) ([]byte, error)
}

// GetWithRetry reads from cs, retrying transient failures with
// exponential backoff (base doubling, capped at 5 s) until ctx expires.
// ErrNotFound from a read is treated as transient: content-addressed
// writes propagate asynchronously between nodes.
func GetWithRetry(ctx context.Context, cs ContentStore, cid sign.CID, base time.Duration) ([]byte, error) {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	const maxDelay = 5 * time.Second

	delay := base
	for {
		b, err := cs.Get(ctx, cid)
		if err == nil {
			return b, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
