// Package store owns the authoritative relational store: SQLite in WAL
// mode, schema migration, and conflict retry. Component packages receive
// the *sql.DB and keep their queries tenant-scoped.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the SQLite database at path, applies the WAL
// pragmas, and runs migrations.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}
	// SQLite serializes writers; a single connection avoids spurious
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the Clasper schema. Idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS adapter_registry (
		tenant_id    TEXT NOT NULL,
		adapter_id   TEXT NOT NULL,
		version      TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		risk_class   TEXT NOT NULL,
		capabilities TEXT NOT NULL,
		enabled      INTEGER NOT NULL DEFAULT 1,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (tenant_id, adapter_id, version)
	);`,

	`CREATE TABLE IF NOT EXISTS adapter_keys (
		tenant_id  TEXT NOT NULL,
		adapter_id TEXT NOT NULL,
		version    TEXT NOT NULL,
		key_id     TEXT NOT NULL,
		algorithm  TEXT NOT NULL,
		public_jwk TEXT NOT NULL,
		created_at TEXT NOT NULL,
		revoked_at TEXT,
		PRIMARY KEY (tenant_id, adapter_id, version, key_id)
	);`,

	`CREATE TABLE IF NOT EXISTS policies (
		tenant_id     TEXT NOT NULL,
		policy_id     TEXT NOT NULL,
		workspace_id  TEXT,
		environment   TEXT,
		subject_type  TEXT NOT NULL,
		subject_name  TEXT,
		conditions    TEXT NOT NULL,
		effect        TEXT NOT NULL,
		required_role TEXT,
		enabled       INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (tenant_id, policy_id)
	);`,

	`CREATE TABLE IF NOT EXISTS decisions (
		decision_id      TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		execution_id     TEXT NOT NULL,
		adapter_id       TEXT NOT NULL,
		state            TEXT NOT NULL,
		request_snapshot TEXT NOT NULL,
		required_role    TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		expires_at       TEXT NOT NULL,
		resolved_at      TEXT,
		resolved_by      TEXT,
		reason_code      TEXT,
		justification    TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_state
		ON decisions (tenant_id, state, expires_at);`,

	`CREATE TABLE IF NOT EXISTS tool_tokens (
		jti          TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		adapter_id   TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		tool         TEXT NOT NULL,
		scope_hash   TEXT NOT NULL,
		issued_at    TEXT NOT NULL,
		expires_at   TEXT NOT NULL,
		used_at      TEXT
	);`,

	`CREATE TABLE IF NOT EXISTS audit_chain (
		tenant_id   TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		event_type  TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		actor       TEXT NOT NULL,
		target_id   TEXT,
		event_data  TEXT NOT NULL,
		prev_hash   TEXT,
		entry_hash  TEXT NOT NULL,
		PRIMARY KEY (tenant_id, seq)
	);`,

	`CREATE TABLE IF NOT EXISTS audit_seals (
		tenant_id          TEXT NOT NULL,
		sealed_through_seq INTEGER NOT NULL,
		last_entry_hash    TEXT NOT NULL,
		bundle_checksum    TEXT NOT NULL,
		bundle_location    TEXT NOT NULL,
		sealed_at          TEXT NOT NULL,
		PRIMARY KEY (tenant_id, sealed_through_seq)
	);`,

	`CREATE TABLE IF NOT EXISTS traces (
		trace_id        TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		workspace_id    TEXT NOT NULL,
		adapter_id      TEXT,
		started_at      TEXT NOT NULL,
		completed_at    TEXT,
		model           TEXT NOT NULL DEFAULT '',
		provider        TEXT NOT NULL DEFAULT '',
		input           TEXT NOT NULL DEFAULT '',
		output          TEXT,
		usage           TEXT NOT NULL DEFAULT '{}',
		granted_scope   TEXT,
		used_scope      TEXT,
		redacted_prompt TEXT,
		error           TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_traces_tenant_started
		ON traces (tenant_id, started_at DESC);`,

	`CREATE TABLE IF NOT EXISTS trace_steps (
		trace_id       TEXT NOT NULL,
		idx            INTEGER NOT NULL,
		step_id        TEXT NOT NULL,
		prev_step_hash TEXT,
		step_hash      TEXT,
		step_type      TEXT NOT NULL,
		timestamp      TEXT NOT NULL,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		data           TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (trace_id, idx)
	);`,

	`CREATE TABLE IF NOT EXISTS workspaces (
		tenant_id    TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		webhook_url  TEXT,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (tenant_id, workspace_id)
	);`,

	`CREATE TABLE IF NOT EXISTS tenant_budgets (
		tenant_id TEXT PRIMARY KEY,
		remaining REAL NOT NULL,
		updated_at TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS cost_records (
		record_id    TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		adapter_id   TEXT NOT NULL,
		amount       REAL NOT NULL,
		currency     TEXT NOT NULL DEFAULT 'USD',
		recorded_at  TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS violations (
		violation_id TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		adapter_id   TEXT NOT NULL,
		kind         TEXT NOT NULL,
		detail       TEXT NOT NULL DEFAULT '',
		execution_id TEXT,
		trace_id     TEXT,
		occurred_at  TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS ingest_dedup (
		tenant_id    TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		payload_type TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		seen_at      TEXT NOT NULL,
		PRIMARY KEY (tenant_id, execution_id, payload_type, payload_hash)
	);`,
}
