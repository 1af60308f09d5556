package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// MySQLStore persists engine state in MySQL.
//
// The DSN must include parseTime=true so TIMESTAMP columns scan into
// time.Time.
type MySQLStore struct {
	sqlStore
}

var mysqlDDL = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id VARCHAR(191) PRIMARY KEY,
		flow_id VARCHAR(191) NOT NULL,
		tenant VARCHAR(191) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		data LONGBLOB NOT NULL,
		updated_at TIMESTAMP(6) NOT NULL,
		INDEX idx_executions_flow (flow_id, status),
		INDEX idx_executions_tenant (tenant, status)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		execution_id VARCHAR(191) NOT NULL,
		seq INT NOT NULL,
		step_id VARCHAR(191) NOT NULL,
		cid VARCHAR(191) NOT NULL,
		created_at TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (execution_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS flows (
		id VARCHAR(191) PRIMARY KEY,
		data LONGBLOB NOT NULL,
		updated_at TIMESTAMP(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		cid VARCHAR(191) PRIMARY KEY,
		data LONGBLOB NOT NULL
	)`,
}

// NewMySQLStore connects to MySQL, verifies the connection, and applies
// the schema.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}

	s := &MySQLStore{sqlStore{
		db: db,
		d: dialect{
			name: "mysql",
			upsertExecution: `INSERT INTO executions (id, flow_id, tenant, status, data, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON DUPLICATE KEY UPDATE
					flow_id = VALUES(flow_id),
					tenant = VALUES(tenant),
					status = VALUES(status),
					data = VALUES(data),
					updated_at = VALUES(updated_at)`,
			upsertFlow: `INSERT INTO flows (id, data, updated_at) VALUES (?, ?, ?)
				ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`,
			upsertBlob: `INSERT IGNORE INTO blobs (cid, data) VALUES (?, ?)`,
		},
	}}

	if err := s.initSchema(ctx, mysqlDDL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
