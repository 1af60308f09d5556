package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore persists engine state in an embedded SQLite database.
//
// Suitable for single-node deployments and integration tests. The driver
// is pure Go (modernc.org/sqlite), so no cgo toolchain is required.
type SQLiteStore struct {
	sqlStore
}

var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		tenant TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_flow ON executions(flow_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_tenant ON executions(tenant, status)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		execution_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		cid TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (execution_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		cid TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`,
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// SQLite handles one writer; serialize access through a single
	// connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{sqlStore{
		db: db,
		d: dialect{
			name: "sqlite",
			upsertExecution: `INSERT INTO executions (id, flow_id, tenant, status, data, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					flow_id = excluded.flow_id,
					tenant = excluded.tenant,
					status = excluded.status,
					data = excluded.data,
					updated_at = excluded.updated_at`,
			upsertFlow: `INSERT INTO flows (id, data, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			upsertBlob: `INSERT INTO blobs (cid, data) VALUES (?, ?)
				ON CONFLICT(cid) DO NOTHING`,
		},
	}}

	if err := s.initSchema(ctx, sqliteDDL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
