// Package sqlite provides the automatic single-node fallback backend for
// WorkOrderStore, AuditRepository, MetricRepository and SessionRepository.
// It is selected at startup when the primary PostgreSQL connection cannot be
// established, trading horizontal scalability for zero-ops availability.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS work_orders (
	id TEXT PRIMARY KEY,
	intent TEXT NOT NULL,
	difficulty TEXT NOT NULL,
	owner TEXT NOT NULL,
	status TEXT NOT NULL,
	compressed_context TEXT NOT NULL DEFAULT '',
	relevant_files TEXT NOT NULL DEFAULT '',
	qa_requirements TEXT NOT NULL DEFAULT '',
	qa_spec_ref TEXT NOT NULL DEFAULT '',
	equipment_hint TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	escalation_chain TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	result_output TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME,
	cost_usd REAL NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_work_orders_status_updated_at ON work_orders (status, updated_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	work_order_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	details_json TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_work_order_id ON audit_logs (work_order_id);

CREATE TABLE IF NOT EXISTS agent_metrics (
	id TEXT PRIMARY KEY,
	work_order_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	role TEXT NOT NULL,
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	success INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_metrics_work_order_id ON agent_metrics (work_order_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	external_user_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_active_at DATETIME NOT NULL,
	UNIQUE (channel, external_user_id)
);
`

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema. A single connection is used: go-sqlite3 serializes writers
// internally and WorkOrderRepo additionally guards multi-statement
// transactions with its own mutex to keep CAS transitions atomic.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.open.schema: %w", err)
	}
	return db, nil
}
