package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is bumped on incompatible layout changes. A ledger with a
// different version cannot be resumed.
const SchemaVersion = 1

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			config_hash TEXT NOT NULL,
			run_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			seeded_at TEXT,
			finished_at TEXT,
			halt_reason TEXT
		);`,

		`CREATE TABLE IF NOT EXISTS work_units (
			unit_id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('pending', 'in_flight', 'done', 'failed')),
			composition_key TEXT NOT NULL,
			payload BLOB,
			attempts INTEGER NOT NULL DEFAULT 0,
			outcome TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_work_units_stage_state ON work_units(stage, state);`,
		`CREATE INDEX IF NOT EXISTS idx_work_units_composition ON work_units(composition_key);`,

		`CREATE TABLE IF NOT EXISTS compositions (
			composition_key TEXT PRIMARY KEY,
			metric REAL,
			outcome TEXT NOT NULL,
			reason TEXT,
			scored_at TEXT NOT NULL
		);`,

		// A row exists for every generated sample; rejected samples keep
		// their reason and no aligned geometry.
		`CREATE TABLE IF NOT EXISTS structures (
			structure_id TEXT PRIMARY KEY,
			composition_key TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			sample INTEGER NOT NULL,
			accepted INTEGER NOT NULL,
			reason TEXT,
			n_atoms INTEGER NOT NULL,
			data TEXT NOT NULL,
			aligned TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_structures_composition ON structures(composition_key);`,

		`CREATE TABLE IF NOT EXISTS sites (
			structure_id TEXT NOT NULL,
			label TEXT NOT NULL,
			composition_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			signature TEXT NOT NULL,
			model_id TEXT NOT NULL UNIQUE,
			data TEXT NOT NULL,
			PRIMARY KEY (structure_id, label)
		);`,

		`CREATE TABLE IF NOT EXISTS predictions (
			model_id TEXT PRIMARY KEY,
			composition_key TEXT NOT NULL,
			structure_id TEXT NOT NULL,
			site_label TEXT NOT NULL,
			energy REAL NOT NULL,
			uncertainty REAL,
			cached INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_composition ON predictions(composition_key);`,

		`CREATE TABLE IF NOT EXISTS run_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_category TEXT NOT NULL,
			unit_id TEXT,
			composition_key TEXT,
			detail TEXT
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
