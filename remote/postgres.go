// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/internal/auth"
)

// PostgresConfig holds configuration for the Postgres-backed store
type PostgresConfig struct {
	MaxTxAttempts  int           // attempts for serialization/deadlock retries (default 3)
	RetryBaseDelay time.Duration // first retry delay, doubled per attempt (default 20ms)
	MaxPayloadSize int           // maximum JSON payload size in bytes (0 = unlimited)
}

// PostgresStore is a Store persisted in Postgres. Rows are scoped by the tenant
// carried in the request context (see internal/auth).
type PostgresStore struct {
	pool   *pgxpool.Pool
	config *PostgresConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Pinger = (*PostgresStore)(nil)
)

// NewPostgresStore creates the store and initializes its schema.
// The caller owns the pool lifecycle.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, config *PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if config == nil {
		config = &PostgresConfig{}
	}
	if config.MaxTxAttempts <= 0 {
		config.MaxTxAttempts = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 20 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{pool: pool, config: config, logger: logger}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize remote store schema: %w", err)
	}
	logger.Debug("Remote store schema initialized")
	return s, nil
}

func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS fieldsync_remote`,

		// Current state per entity, tenant-scoped. Tombstones keep their revision.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fieldsync_remote.records (
			tenant_id       TEXT        NOT NULL,
			entity_type     TEXT        NOT NULL,
			entity_id       TEXT        NOT NULL,
			revision        BIGINT      NOT NULL,
			payload         JSONB,
			field_times     JSONB       NOT NULL DEFAULT '{}'::jsonb,
			deleted         BOOLEAN     NOT NULL DEFAULT FALSE,
			last_change_key TEXT        NOT NULL DEFAULT '',
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, entity_type, entity_id)
		)`,

		// Idempotency gate: one row per applied client change key
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fieldsync_remote.applied_changes (
			tenant_id   TEXT        NOT NULL,
			change_key  TEXT        NOT NULL,
			entity_type TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			revision    BIGINT      NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, change_key)
		)`,
	}
	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Close marks the store closed. It's safe to call multiple times.
// Note: this does NOT close the pool.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *PostgresStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("remote store has been closed")
	}
	return nil
}

// Ping checks database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

const stmtSelectRecord = /*language=postgresql*/ `
	SELECT revision, payload, field_times, deleted, last_change_key, updated_at
	FROM fieldsync_remote.records
	WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`

func scanRecord(row pgx.Row, entityType, id string) (*Record, error) {
	rec := &Record{EntityType: entityType, ID: id}
	var payload []byte
	var fieldTimes map[string]int64
	if err := row.Scan(&rec.Revision, &payload, &fieldTimes, &rec.Deleted, &rec.LastChangeKey, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if payload != nil {
		rec.Payload = payload
	}
	if len(fieldTimes) > 0 {
		rec.FieldTimes = fieldTimes
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// Fetch returns the current record, including tombstones.
func (s *PostgresStore) Fetch(ctx context.Context, entityType, id string) (*Record, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	tenant := auth.TenantOrDefault(ctx)
	rec, err := scanRecord(s.pool.QueryRow(ctx, stmtSelectRecord, tenant, entityType, id), entityType, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, entityType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch record: %w", err)
	}
	return rec, nil
}

// Upsert writes the payload, bumping the revision.
func (s *PostgresStore) Upsert(ctx context.Context, w Write) (*Record, error) {
	if err := ValidateWrite(&w, true); err != nil {
		return nil, err
	}
	if s.config.MaxPayloadSize > 0 && len(w.Payload) > s.config.MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload too large: %d > %d", ErrInvalid, len(w.Payload), s.config.MaxPayloadSize)
	}
	return s.writeWithRetry(ctx, w, false)
}

// Delete tombstones the record, bumping the revision.
func (s *PostgresStore) Delete(ctx context.Context, w Write) (*Record, error) {
	if err := ValidateWrite(&w, false); err != nil {
		return nil, err
	}
	return s.writeWithRetry(ctx, w, true)
}

func (s *PostgresStore) writeWithRetry(ctx context.Context, w Write, deleted bool) (*Record, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	delay := s.config.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxTxAttempts; attempt++ {
		rec, err := s.write(ctx, w, deleted)
		if err == nil {
			return rec, nil
		}
		if !isRetryablePGTxError(err) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("Retrying remote write after transient PG error",
			"entity_type", w.EntityType, "id", w.ID, "attempt", attempt, "error", err)
		if err := sleepWithContext(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, fmt.Errorf("%w: write failed after %d attempts: %v", ErrUnavailable, s.config.MaxTxAttempts, lastErr)
}

func (s *PostgresStore) write(ctx context.Context, w Write, deleted bool) (*Record, error) {
	tenant := auth.TenantOrDefault(ctx)
	var out *Record

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'"); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}

		// Idempotency gate
		var seen bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM fieldsync_remote.applied_changes
				WHERE tenant_id = $1 AND change_key = $2
			)`, tenant, w.ChangeKey).Scan(&seen); err != nil {
			return fmt.Errorf("idempotency gate check failed: %w", err)
		}

		cur, err := scanRecord(tx.QueryRow(ctx, stmtSelectRecord+` FOR UPDATE`, tenant, w.EntityType, w.ID), w.EntityType, w.ID)
		exists := true
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
			cur = nil
		} else if err != nil {
			return fmt.Errorf("failed to lock record: %w", err)
		}

		if seen && exists {
			out = cur
			return nil
		}

		var curRev int64
		if exists {
			curRev = cur.Revision
		}
		if w.ExpectedRevision != NoExpectedRevision && w.ExpectedRevision != curRev {
			if !exists {
				return fmt.Errorf("%w: %s/%s expected revision %d but record does not exist", ErrRevisionMismatch, w.EntityType, w.ID, w.ExpectedRevision)
			}
			return &RevisionMismatchError{Current: cur}
		}

		var payload []byte
		fieldTimes := map[string]int64{}
		if !deleted {
			payload = w.Payload
			var prev map[string]int64
			if exists && !cur.Deleted {
				prev = cur.FieldTimes
			}
			if merged := mergeFieldTimes(prev, w.FieldTimes); merged != nil {
				fieldTimes = merged
			}
		}

		next, err := scanRecord(tx.QueryRow(ctx, `
			INSERT INTO fieldsync_remote.records
				(tenant_id, entity_type, entity_id, revision, payload, field_times, deleted, last_change_key, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (tenant_id, entity_type, entity_id) DO UPDATE SET
				revision = EXCLUDED.revision,
				payload = EXCLUDED.payload,
				field_times = EXCLUDED.field_times,
				deleted = EXCLUDED.deleted,
				last_change_key = EXCLUDED.last_change_key,
				updated_at = EXCLUDED.updated_at
			RETURNING revision, payload, field_times, deleted, last_change_key, updated_at`,
			tenant, w.EntityType, w.ID, curRev+1, payload, fieldTimes, deleted, w.ChangeKey), w.EntityType, w.ID)
		if err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO fieldsync_remote.applied_changes (tenant_id, change_key, entity_type, entity_id, revision)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, change_key) DO NOTHING`,
			tenant, w.ChangeKey, w.EntityType, w.ID, next.Revision); err != nil {
			return fmt.Errorf("failed to record applied change: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
