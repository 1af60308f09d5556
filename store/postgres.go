package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore persists engine state in PostgreSQL.
type PostgresStore struct {
	sqlStore
}

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		tenant TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		data BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_flow ON executions(flow_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_tenant ON executions(tenant, status)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		execution_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		cid TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (execution_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		data BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		cid TEXT PRIMARY KEY,
		data BYTEA NOT NULL
	)`,
}

// NewPostgresStore connects to PostgreSQL, verifies the connection, and
// applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{sqlStore{
		db: db,
		d: dialect{
			name:       "postgres",
			bindDollar: true,
			upsertExecution: `INSERT INTO executions (id, flow_id, tenant, status, data, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					flow_id = EXCLUDED.flow_id,
					tenant = EXCLUDED.tenant,
					status = EXCLUDED.status,
					data = EXCLUDED.data,
					updated_at = EXCLUDED.updated_at`,
			upsertFlow: `INSERT INTO flows (id, data, updated_at) VALUES (?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
			upsertBlob: `INSERT INTO blobs (cid, data) VALUES (?, ?)
				ON CONFLICT (cid) DO NOTHING`,
		},
	}}

	if err := s.initSchema(ctx, postgresDDL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
