package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all configurun tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id           INTEGER PRIMARY KEY,
		name         TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT 'QUEUED',
		config       TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT,
		exit_code    INTEGER,
		error        TEXT NOT NULL DEFAULT '',
		err_kind     TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_items_state ON items(state)`,

	// Single-row table: queue order, processor count, autoprocessing flag,
	// id counter and revision, stored as one JSON document.
	`CREATE TABLE IF NOT EXISTS settings (
		id       INTEGER PRIMARY KEY CHECK (id = 1),
		document TEXT NOT NULL
	)`,
}

// migrate applies the schema statements in order.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
