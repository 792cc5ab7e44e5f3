// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"database/sql"
	"fmt"
)

// initializeDatabase creates the local sync tables (private function)
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=FULL`); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	tables := []string{
		// Change queue. seq gives enqueue order; times are unix milliseconds.
		`CREATE TABLE IF NOT EXISTS _sync_changes (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			entity_type      TEXT NOT NULL,
			entity_local_id  TEXT NOT NULL,
			entity_remote_id TEXT NOT NULL DEFAULT '',
			op               TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload          TEXT,          -- JSON object (NULL for delete)
			base_version     INTEGER NOT NULL DEFAULT 0,
			base_payload     TEXT,
			changed_fields   TEXT NOT NULL DEFAULT '[]',
			field_times      TEXT NOT NULL DEFAULT '{}',
			generation       INTEGER NOT NULL DEFAULT 1,
			state            TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','conflicted','dead_letter')),
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			next_attempt_at  INTEGER NOT NULL DEFAULT 0,
			enqueued_at      INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,

		// At most one non-terminal record per entity
		`CREATE UNIQUE INDEX IF NOT EXISTS _sync_changes_live_entity
			ON _sync_changes (entity_type, entity_local_id)
			WHERE state != 'dead_letter'`,

		`CREATE INDEX IF NOT EXISTS _sync_changes_drain
			ON _sync_changes (state, next_attempt_at, seq)`,

		// Strategy (one row)
		`CREATE TABLE IF NOT EXISTS _sync_strategy (
			id               INTEGER PRIMARY KEY CHECK (id = 1),
			priority         TEXT NOT NULL,
			batch_size       INTEGER NOT NULL,
			retry_attempts   INTEGER NOT NULL,
			sync_interval_ms INTEGER NOT NULL,
			background_sync  INTEGER NOT NULL,
			updated_at       TEXT NOT NULL
		)`,

		// Conflicts (upsert by id; resolved rows are kept for audit)
		`CREATE TABLE IF NOT EXISTS _sync_conflicts (
			id                 TEXT PRIMARY KEY,
			change_id          TEXT NOT NULL,
			entity_type        TEXT NOT NULL,
			entity_id          TEXT NOT NULL,
			op                 TEXT NOT NULL,
			local_payload      TEXT,
			remote_payload     TEXT,
			remote_deleted     INTEGER NOT NULL DEFAULT 0,
			local_base_version INTEGER NOT NULL,
			remote_version     INTEGER NOT NULL,
			detected_at        INTEGER NOT NULL,
			status             TEXT NOT NULL CHECK (status IN ('pending','resolved')),
			resolution         TEXT,
			resolved_at        INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS _sync_conflicts_status
			ON _sync_conflicts (status, detected_at)`,

		// Metrics (one row)
		`CREATE TABLE IF NOT EXISTS _sync_metrics (
			id                     INTEGER PRIMARY KEY CHECK (id = 1),
			total_synced           INTEGER NOT NULL DEFAULT 0,
			total_failed           INTEGER NOT NULL DEFAULT 0,
			average_time_ms        REAL    NOT NULL DEFAULT 0,
			last_sync_time         INTEGER NOT NULL DEFAULT 0,
			conflicts_resolved     INTEGER NOT NULL DEFAULT 0,
			data_transferred_bytes INTEGER NOT NULL DEFAULT 0,
			cycles_completed       INTEGER NOT NULL DEFAULT 0
		)`,

		// Last remote state observed per entity
		`CREATE TABLE IF NOT EXISTS _sync_entity_meta (
			entity_type    TEXT NOT NULL,
			local_id       TEXT NOT NULL,
			remote_id      TEXT NOT NULL,
			remote_version INTEGER NOT NULL DEFAULT 0,
			remote_payload TEXT,
			deleted        INTEGER NOT NULL DEFAULT 0,
			synced_at      INTEGER NOT NULL,
			PRIMARY KEY (entity_type, local_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO _sync_metrics (id) VALUES (1)`); err != nil {
		return fmt.Errorf("failed to seed metrics row: %w", err)
	}

	return nil
}
