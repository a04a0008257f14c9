package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all casni tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pipelines (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		raw_yaml     TEXT NOT NULL,
		stages       TEXT NOT NULL,
		created_at   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS runs (
		id               TEXT PRIMARY KEY,
		pipeline_id      TEXT NOT NULL,
		pipeline_name    TEXT NOT NULL,
		state            TEXT NOT NULL DEFAULT 'PENDING',
		dataset          TEXT NOT NULL,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		completed_at     TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS instances (
		id              TEXT PRIMARY KEY,
		run_id          TEXT NOT NULL,
		stage_id        TEXT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'PENDING',
		unit            TEXT,
		spec_order      INTEGER NOT NULL DEFAULT 0,
		unit_index      INTEGER NOT NULL DEFAULT 0,
		depends_on      TEXT NOT NULL DEFAULT '[]',
		image           TEXT NOT NULL,
		command         TEXT NOT NULL DEFAULT '[]',
		workspace       TEXT NOT NULL DEFAULT '',
		inputs          TEXT NOT NULL DEFAULT '{}',
		outputs         TEXT NOT NULL DEFAULT '{}',
		resources       TEXT NOT NULL DEFAULT '{}',
		retry           TEXT NOT NULL DEFAULT '{}',
		timeout_ns      INTEGER NOT NULL DEFAULT 0,
		required        INTEGER NOT NULL DEFAULT 1,
		attempt         INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT,
		container_id    TEXT NOT NULL DEFAULT '',
		exit_code       INTEGER,
		reason          TEXT NOT NULL DEFAULT '',
		stdout          TEXT NOT NULL DEFAULT '',
		stderr          TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		started_at      TEXT,
		completed_at    TEXT
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pipelines_content_hash ON pipelines(content_hash) WHERE content_hash != ''`,
	`CREATE INDEX IF NOT EXISTS idx_runs_pipeline_id ON runs(pipeline_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_cancel_requested ON runs(cancel_requested)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_run_id ON instances(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_state ON instances(state)`,
	// Compound index for the scheduler's per-tick state sweeps
	`CREATE INDEX IF NOT EXISTS idx_instances_state_run ON instances(state, run_id)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
