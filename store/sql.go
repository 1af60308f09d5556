package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flowmesh/flowmesh-go/sign"
)

// dialect captures the per-database variations; the query logic in
// sqlStore is otherwise shared across SQLite, MySQL, and Postgres.
type dialect struct {
	name string

	// bindDollar rewrites ? placeholders to $1..$n (Postgres).
	bindDollar bool

	// upsertExecution, upsertFlow, and upsertBlob are the per-dialect
	// insert-or-replace statements.
	upsertExecution string
	upsertFlow      string
	upsertBlob      string
}

// sqlStore implements Store and ContentStore over a *sql.DB.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// rebind converts ? placeholders to the dialect's form.
func (s *sqlStore) rebind(query string) string {
	if !s.d.bindDollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// SaveExecution implements Store.
func (s *sqlStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	_, err := s.exec(ctx, s.d.upsertExecution,
		rec.ID, rec.FlowID, rec.Tenant, rec.Status, rec.Data, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%s: save execution: %w", s.d.name, err)
	}
	return nil
}

// LoadExecution implements Store.
func (s *sqlStore) LoadExecution(ctx context.Context, id string) (ExecutionRecord, error) {
	row := s.queryRow(ctx,
		`SELECT id, flow_id, tenant, status, data, updated_at FROM executions WHERE id = ?`, id)

	var rec ExecutionRecord
	err := row.Scan(&rec.ID, &rec.FlowID, &rec.Tenant, &rec.Status, &rec.Data, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("%s: load execution: %w", s.d.name, err)
	}
	return rec, nil
}

// ListExecutions implements Store.
func (s *sqlStore) ListExecutions(ctx context.Context, tenant string, statuses []string) ([]ExecutionRecord, error) {
	query := `SELECT id, flow_id, tenant, status, data, updated_at FROM executions`
	var (
		clauses []string
		args    []any
	)
	if tenant != "" {
		clauses = append(clauses, "tenant = ?")
		args = append(args, tenant)
	}
	if len(statuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		clauses = append(clauses, "status IN ("+ph+")")
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: list executions: %w", s.d.name, err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(&rec.ID, &rec.FlowID, &rec.Tenant, &rec.Status, &rec.Data, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteExecution implements Store.
func (s *sqlStore) DeleteExecution(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM checkpoints WHERE execution_id = ?`, id); err != nil {
		return fmt.Errorf("%s: delete checkpoints: %w", s.d.name, err)
	}
	if _, err := s.exec(ctx, `DELETE FROM executions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%s: delete execution: %w", s.d.name, err)
	}
	return nil
}

// CountActiveExecutions implements Store.
func (s *sqlStore) CountActiveExecutions(ctx context.Context, flowID string, terminalStatuses []string) (int, error) {
	query := `SELECT COUNT(*) FROM executions WHERE flow_id = ?`
	args := []any{flowID}
	if len(terminalStatuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(terminalStatuses)), ",")
		query += " AND status NOT IN (" + ph + ")"
		for _, st := range terminalStatuses {
			args = append(args, st)
		}
	}
	var count int
	if err := s.queryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: count active executions: %w", s.d.name, err)
	}
	return count, nil
}

// AppendCheckpoint implements Store. The (execution_id, seq) unique
// constraint makes duplicate appends fail, which is what enforces
// at-most-once step completion at the storage layer.
func (s *sqlStore) AppendCheckpoint(ctx context.Context, ref CheckpointRef) error {
	_, err := s.exec(ctx,
		`INSERT INTO checkpoints (execution_id, seq, step_id, cid, created_at) VALUES (?, ?, ?, ?, ?)`,
		ref.ExecutionID, ref.Seq, ref.StepID, string(ref.CID), ref.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%s: append checkpoint: %w", s.d.name, err)
	}
	return nil
}

// Checkpoints implements Store.
func (s *sqlStore) Checkpoints(ctx context.Context, executionID string) ([]CheckpointRef, error) {
	rows, err := s.query(ctx,
		`SELECT execution_id, seq, step_id, cid, created_at FROM checkpoints WHERE execution_id = ? ORDER BY seq`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("%s: checkpoints: %w", s.d.name, err)
	}
	defer func() { _ = rows.Close() }()

	var out []CheckpointRef
	for rows.Next() {
		var (
			ref CheckpointRef
			cid string
		)
		if err := rows.Scan(&ref.ExecutionID, &ref.Seq, &ref.StepID, &cid, &ref.CreatedAt); err != nil {
			return nil, err
		}
		ref.CID = sign.CID(cid)
		out = append(out, ref)
	}
	return out, rows.Err()
}

// PutFlow implements Store.
func (s *sqlStore) PutFlow(ctx context.Context, rec FlowRecord) error {
	if _, err := s.exec(ctx, s.d.upsertFlow, rec.ID, rec.Data, rec.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("%s: put flow: %w", s.d.name, err)
	}
	return nil
}

// GetFlow implements Store.
func (s *sqlStore) GetFlow(ctx context.Context, id string) (FlowRecord, error) {
	var rec FlowRecord
	err := s.queryRow(ctx, `SELECT id, data, updated_at FROM flows WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Data, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return FlowRecord{}, ErrNotFound
	}
	if err != nil {
		return FlowRecord{}, fmt.Errorf("%s: get flow: %w", s.d.name, err)
	}
	return rec, nil
}

// DeleteFlow implements Store.
func (s *sqlStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%s: delete flow: %w", s.d.name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired implements Store.
func (s *sqlStore) DeleteExpired(ctx context.Context, terminalStatuses []string, cutoff time.Time) (int, error) {
	if len(terminalStatuses) == 0 {
		return 0, nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(terminalStatuses)), ",")
	args := make([]any, 0, len(terminalStatuses)+1)
	for _, st := range terminalStatuses {
		args = append(args, st)
	}
	args = append(args, cutoff.UTC())

	selectQuery := `SELECT id FROM executions WHERE status IN (` + ph + `) AND updated_at < ?`
	rows, err := s.query(ctx, selectQuery, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: select expired: %w", s.d.name, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.DeleteExecution(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Close implements Store.
func (s *sqlStore) Close() error { return s.db.Close() }

// Put implements ContentStore.
func (s *sqlStore) Put(ctx context.Context, b []byte) (sign.CID, error) {
	cid := sign.Address(b)
	if _, err := s.exec(ctx, s.d.upsertBlob, string(cid), b); err != nil {
		return "", fmt.Errorf("%s: put blob: %w", s.d.name, err)
	}
	return cid, nil
}

// Get implements ContentStore.
func (s *sqlStore) Get(ctx context.Context, cid sign.CID) ([]byte, error) {
	var b []byte
	err := s.queryRow(ctx, `SELECT data FROM blobs WHERE cid = ?`, string(cid)).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: get blob: %w", s.d.name, err)
	}
	return b, nil
}

// initSchema applies the DDL statements in order.
func (s *sqlStore) initSchema(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: init schema: %w", s.d.name, err)
		}
	}
	return nil
}
