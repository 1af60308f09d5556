package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh-go/sign"
)

// MemStore is the in-memory implementation of Store and ContentStore.
//
// Designed for tests and single-process deployments; data is lost when
// the process exits. Thread-safe.
type MemStore struct {
	mu          sync.RWMutex
	executions  map[string]ExecutionRecord
	checkpoints map[string][]CheckpointRef
	flows       map[string]FlowRecord
	blobs       map[sign.CID][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		executions:  make(map[string]ExecutionRecord),
		checkpoints: make(map[string][]CheckpointRef),
		flows:       make(map[string]FlowRecord),
		blobs:       make(map[sign.CID][]byte),
	}
}

// SaveExecution implements Store.
func (m *MemStore) SaveExecution(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Data = append([]byte(nil), rec.Data...)
	m.executions[rec.ID] = rec
	return nil
}

// LoadExecution implements Store.
func (m *MemStore) LoadExecution(_ context.Context, id string) (ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[id]
	if !ok {
		return ExecutionRecord{}, ErrNotFound
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

// ListExecutions implements Store.
func (m *MemStore) ListExecutions(_ context.Context, tenant string, statuses []string) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ExecutionRecord
	for _, rec := range m.executions {
		if tenant != "" && rec.Tenant != tenant {
			continue
		}
		if len(statuses) > 0 && !containsString(statuses, rec.Status) {
			continue
		}
		rec.Data = append([]byte(nil), rec.Data...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteExecution implements Store.
func (m *MemStore) DeleteExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executions, id)
	delete(m.checkpoints, id)
	return nil
}

// CountActiveExecutions implements Store.
func (m *MemStore) CountActiveExecutions(_ context.Context, flowID string, terminalStatuses []string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, rec := range m.executions {
		if rec.FlowID == flowID && !containsString(terminalStatuses, rec.Status) {
			count++
		}
	}
	return count, nil
}

// AppendCheckpoint implements Store.
func (m *MemStore) AppendCheckpoint(_ context.Context, ref CheckpointRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.checkpoints[ref.ExecutionID]
	for _, existing := range refs {
		if existing.Seq == ref.Seq {
			return fmt.Errorf("store: duplicate checkpoint seq %d for execution %s", ref.Seq, ref.ExecutionID)
		}
	}
	m.checkpoints[ref.ExecutionID] = append(refs, ref)
	return nil
}

// Checkpoints implements Store.
func (m *MemStore) Checkpoints(_ context.Context, executionID string) ([]CheckpointRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := append([]CheckpointRef(nil), m.checkpoints[executionID]...)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Seq < refs[j].Seq })
	return refs, nil
}

// PutFlow implements Store.
func (m *MemStore) PutFlow(_ context.Context, rec FlowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Data = append([]byte(nil), rec.Data...)
	m.flows[rec.ID] = rec
	return nil
}

// GetFlow implements Store.
func (m *MemStore) GetFlow(_ context.Context, id string) (FlowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.flows[id]
	if !ok {
		return FlowRecord{}, ErrNotFound
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

// DeleteFlow implements Store.
func (m *MemStore) DeleteFlow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[id]; !ok {
		return ErrNotFound
	}
	delete(m.flows, id)
	return nil
}

// DeleteExpired implements Store.
func (m *MemStore) DeleteExpired(_ context.Context, terminalStatuses []string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.executions {
		if containsString(terminalStatuses, rec.Status) && rec.UpdatedAt.Before(cutoff) {
			delete(m.executions, id)
			delete(m.checkpoints, id)
			removed++
		}
	}
	return removed, nil
}

// Close implements Store.
func (m *MemStore) Close() error { return nil }

// Put implements ContentStore. Duplicate content coalesces naturally:
// identical bytes address identically.
func (m *MemStore) Put(_ context.Context, b []byte) (sign.CID, error) {
	cid := sign.Address(b)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[cid]; !ok {
		m.blobs[cid] = append([]byte(nil), b...)
	}
	return cid, nil
}

// Get implements ContentStore.
func (m *MemStore) Get(_ context.Context, cid sign.CID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[cid]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func containsString(set []string, s string) bool {
	for _, e := range set {
		if e == s {
			return true
		}
	}
	return false
}
