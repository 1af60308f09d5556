package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flowmesh/flowmesh-go/sign"
)

// storeConformance exercises the Store and ContentStore contracts. Every
// backend runs the same suite.
func storeConformance(t *testing.T, open func(t *testing.T) interface {
	Store
	ContentStore
}) {
	ctx := context.Background()
	terminal := []string{"completed", "failed", "aborted"}

	t.Run("execution round trip", func(t *testing.T) {
		s := open(t)
		rec := ExecutionRecord{
			ID: "ex-1", FlowID: "flow-1", Tenant: "t1", Status: "running",
			Data:      []byte(`{"status":"running"}`),
			UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
		}
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}

		got, err := s.LoadExecution(ctx, "ex-1")
		if err != nil {
			t.Fatalf("LoadExecution: %v", err)
		}
		if got.FlowID != rec.FlowID || got.Status != rec.Status || string(got.Data) != string(rec.Data) {
			t.Errorf("got %+v, want %+v", got, rec)
		}

		// Upsert replaces.
		rec.Status = "completed"
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("SaveExecution update: %v", err)
		}
		got, _ = s.LoadExecution(ctx, "ex-1")
		if got.Status != "completed" {
			t.Errorf("status = %q after update", got.Status)
		}
	})

	t.Run("missing execution", func(t *testing.T) {
		s := open(t)
		if _, err := s.LoadExecution(ctx, "ghost"); err != ErrNotFound {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("list filters by tenant and status", func(t *testing.T) {
		s := open(t)
		now := time.Now().UTC()
		for _, rec := range []ExecutionRecord{
			{ID: "a", FlowID: "f", Tenant: "t1", Status: "running", Data: []byte("{}"), UpdatedAt: now},
			{ID: "b", FlowID: "f", Tenant: "t1", Status: "completed", Data: []byte("{}"), UpdatedAt: now},
			{ID: "c", FlowID: "f", Tenant: "t2", Status: "running", Data: []byte("{}"), UpdatedAt: now},
		} {
			if err := s.SaveExecution(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.ListExecutions(ctx, "t1", []string{"running"})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(got) != 1 || got[0].ID != "a" {
			t.Errorf("got %+v, want only execution a", got)
		}

		all, _ := s.ListExecutions(ctx, "t1", nil)
		if len(all) != 2 {
			t.Errorf("tenant t1 executions = %d, want 2", len(all))
		}
	})

	t.Run("active execution count", func(t *testing.T) {
		s := open(t)
		now := time.Now().UTC()
		_ = s.SaveExecution(ctx, ExecutionRecord{ID: "a", FlowID: "f1", Status: "running", Data: []byte("{}"), UpdatedAt: now})
		_ = s.SaveExecution(ctx, ExecutionRecord{ID: "b", FlowID: "f1", Status: "completed", Data: []byte("{}"), UpdatedAt: now})
		_ = s.SaveExecution(ctx, ExecutionRecord{ID: "c", FlowID: "f2", Status: "running", Data: []byte("{}"), UpdatedAt: now})

		n, err := s.CountActiveExecutions(ctx, "f1", terminal)
		if err != nil {
			t.Fatalf("CountActiveExecutions: %v", err)
		}
		if n != 1 {
			t.Errorf("active = %d, want 1", n)
		}
	})

	t.Run("checkpoint ordering and uniqueness", func(t *testing.T) {
		s := open(t)
		now := time.Now().UTC()
		for _, seq := range []int{2, 1, 3} {
			err := s.AppendCheckpoint(ctx, CheckpointRef{
				ExecutionID: "ex", Seq: seq, StepID: "s", CID: sign.Address([]byte{byte(seq)}), CreatedAt: now,
			})
			if err != nil {
				t.Fatalf("AppendCheckpoint(%d): %v", seq, err)
			}
		}

		refs, err := s.Checkpoints(ctx, "ex")
		if err != nil {
			t.Fatalf("Checkpoints: %v", err)
		}
		if len(refs) != 3 || refs[0].Seq != 1 || refs[2].Seq != 3 {
			t.Errorf("refs not ordered by seq: %+v", refs)
		}

		if err := s.AppendCheckpoint(ctx, CheckpointRef{ExecutionID: "ex", Seq: 2, StepID: "s", CID: "sha256:dup", CreatedAt: now}); err == nil {
			t.Error("duplicate seq must be rejected")
		}
	})

	t.Run("flow round trip and delete", func(t *testing.T) {
		s := open(t)
		rec := FlowRecord{ID: "flow-1", Data: []byte(`{"id":"flow-1"}`), UpdatedAt: time.Now().UTC()}
		if err := s.PutFlow(ctx, rec); err != nil {
			t.Fatalf("PutFlow: %v", err)
		}
		got, err := s.GetFlow(ctx, "flow-1")
		if err != nil || string(got.Data) != string(rec.Data) {
			t.Fatalf("GetFlow: %v %+v", err, got)
		}
		if err := s.DeleteFlow(ctx, "flow-1"); err != nil {
			t.Fatalf("DeleteFlow: %v", err)
		}
		if _, err := s.GetFlow(ctx, "flow-1"); err != ErrNotFound {
			t.Errorf("deleted flow must be gone, err = %v", err)
		}
		if err := s.DeleteFlow(ctx, "flow-1"); err != ErrNotFound {
			t.Errorf("double delete err = %v, want ErrNotFound", err)
		}
	})

	t.Run("retention sweep", func(t *testing.T) {
		s := open(t)
		old := time.Now().UTC().Add(-48 * time.Hour)
		recent := time.Now().UTC()
		_ = s.SaveExecution(ctx, ExecutionRecord{ID: "old-done", FlowID: "f", Status: "completed", Data: []byte("{}"), UpdatedAt: old})
		_ = s.SaveExecution(ctx, ExecutionRecord{ID: "old-running", FlowID: "f", Status: "running", Data: []byte("{}"), UpdatedAt: old})
		_ = s.SaveExecution(ctx, ExecutionRecord{ID: "new-done", FlowID: "f", Status: "completed", Data: []byte("{}"), UpdatedAt: recent})
		_ = s.AppendCheckpoint(ctx, CheckpointRef{ExecutionID: "old-done", Seq: 1, StepID: "s", CID: "sha256:x", CreatedAt: old})

		n, err := s.DeleteExpired(ctx, terminal, time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("DeleteExpired: %v", err)
		}
		if n != 1 {
			t.Errorf("removed = %d, want 1", n)
		}
		if _, err := s.LoadExecution(ctx, "old-done"); err != ErrNotFound {
			t.Error("expired terminal execution must be removed")
		}
		if _, err := s.LoadExecution(ctx, "old-running"); err != nil {
			t.Error("non-terminal executions must survive the sweep")
		}
		if refs, _ := s.Checkpoints(ctx, "old-done"); len(refs) != 0 {
			t.Error("checkpoint refs must be removed with their execution")
		}
	})

	t.Run("content store round trip", func(t *testing.T) {
		s := open(t)
		content := []byte("checkpoint snapshot bytes")

		cid, err := s.Put(ctx, content)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if !cid.Matches(content) {
			t.Error("CID must address the stored content")
		}

		got, err := s.Get(ctx, cid)
		if err != nil || string(got) != string(content) {
			t.Fatalf("Get: %v %q", err, got)
		}

		// Idempotent: same content, same cid, no error.
		again, err := s.Put(ctx, content)
		if err != nil || again != cid {
			t.Errorf("duplicate Put: %v %q", err, again)
		}

		if _, err := s.Get(ctx, "sha256:0000000000000000000000000000000000000000000000000000000000000000"); err != ErrNotFound {
			t.Errorf("missing blob err = %v, want ErrNotFound", err)
		}
	})
}

func TestMemStore(t *testing.T) {
	storeConformance(t, func(t *testing.T) interface {
		Store
		ContentStore
	} {
		return NewMemStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeConformance(t, func(t *testing.T) interface {
		Store
		ContentStore
	} {
		s, err := NewSQLiteStore(context.Background(), ":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestMySQLStore runs the conformance suite against a real MySQL when
// FLOWMESH_MYSQL_DSN is set (e.g. "user:pass@tcp(localhost:3306)/flowmesh_test?parseTime=true").
func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("FLOWMESH_MYSQL_DSN")
	if dsn == "" {
		t.Skip("FLOWMESH_MYSQL_DSN not set; skipping MySQL integration test")
	}
	storeConformance(t, func(t *testing.T) interface {
		Store
		ContentStore
	} {
		s, err := NewMySQLStore(context.Background(), dsn)
		if err != nil {
			t.Fatalf("NewMySQLStore: %v", err)
		}
		t.Cleanup(func() {
			wipeSQL(t, &s.sqlStore)
			_ = s.Close()
		})
		wipeSQL(t, &s.sqlStore)
		return s
	})
}

// TestPostgresStore runs the conformance suite against a real PostgreSQL
// when FLOWMESH_POSTGRES_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FLOWMESH_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FLOWMESH_POSTGRES_DSN not set; skipping PostgreSQL integration test")
	}
	storeConformance(t, func(t *testing.T) interface {
		Store
		ContentStore
	} {
		s, err := NewPostgresStore(context.Background(), dsn)
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		t.Cleanup(func() {
			wipeSQL(t, &s.sqlStore)
			_ = s.Close()
		})
		wipeSQL(t, &s.sqlStore)
		return s
	})
}

func wipeSQL(t *testing.T, s *sqlStore) {
	t.Helper()
	for _, table := range []string{"checkpoints", "executions", "flows", "blobs"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("wipe %s: %v", table, err)
		}
	}
}

func TestGetWithRetry(t *testing.T) {
	t.Run("eventually available", func(t *testing.T) {
		cs := &flakyContent{failures: 2, inner: NewMemStore()}
		cid, _ := cs.inner.Put(context.Background(), []byte("late"))

		got, err := GetWithRetry(context.Background(), cs, cid, time.Millisecond)
		if err != nil || string(got) != "late" {
			t.Fatalf("GetWithRetry: %v %q", err, got)
		}
		if cs.calls != 3 {
			t.Errorf("calls = %d, want 3", cs.calls)
		}
	})

	t.Run("deadline bounds the retries", func(t *testing.T) {
		cs := &flakyContent{failures: 1 << 30, inner: NewMemStore()}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		if _, err := GetWithRetry(ctx, cs, "sha256:missing", time.Millisecond); err == nil {
			t.Error("expired deadline must surface an error")
		}
	})
}

type flakyContent struct {
	inner    *MemStore
	failures int
	calls    int
}

func (f *flakyContent) Put(ctx context.Context, b []byte) (sign.CID, error) {
	return f.inner.Put(ctx, b)
}

func (f *flakyContent) Get(ctx context.Context, cid sign.CID) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, ErrNotFound
	}
	return f.inner.Get(ctx, cid)
}
