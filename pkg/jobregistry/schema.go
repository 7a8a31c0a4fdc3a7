package jobregistry

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the registry schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 1)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			-- parameters and invocation are JSON blobs; the registry never
			-- interprets them, it only replays them for audits and status.
			parameters TEXT,
			invocation TEXT,
			pid INTEGER,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			last_heartbeat TEXT,
			exit_code INTEGER,
			term_signal TEXT,
			error_message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);`,

		`CREATE TABLE IF NOT EXISTS hypothesis_tests (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			error_message TEXT,
			results TEXT,
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}

	return tx.Commit()
}
