// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// conflictStore persists SyncConflict rows. Resolved rows are kept for audit.
type conflictStore struct {
	db *sql.DB
}

const conflictColumns = `id, change_id, entity_type, entity_id, op, local_payload, remote_payload, remote_deleted,
	local_base_version, remote_version, detected_at, status, resolution, resolved_at`

func scanConflict(s rowScanner) (*SyncConflict, error) {
	var (
		c                           SyncConflict
		op, status                  string
		local, remotePL, resolution sql.NullString
		remoteDeleted               int
		detectedAt, resolvedAt      int64
	)
	if err := s.Scan(&c.ID, &c.ChangeID, &c.EntityType, &c.EntityID, &op, &local, &remotePL, &remoteDeleted,
		&c.LocalBaseVersion, &c.RemoteVersion, &detectedAt, &status, &resolution, &resolvedAt); err != nil {
		return nil, err
	}
	c.Operation = Operation(op)
	c.Status = ConflictStatus(status)
	c.RemoteDeleted = remoteDeleted == 1
	c.DetectedAt = fromMillis(detectedAt)
	if local.Valid {
		c.LocalPayload = json.RawMessage(local.String)
	}
	if remotePL.Valid {
		c.RemotePayload = json.RawMessage(remotePL.String)
	}
	if resolution.Valid {
		var r Resolution
		if err := json.Unmarshal([]byte(resolution.String), &r); err != nil {
			return nil, fmt.Errorf("failed to decode resolution: %w", err)
		}
		c.Resolution = &r
	}
	return &c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertConflict(ctx context.Context, x execer, c *SyncConflict) error {
	var resolution any
	var resolvedAt int64
	if c.Resolution != nil {
		resolution = string(mustMarshal(c.Resolution))
		resolvedAt = toMillis(c.Resolution.ResolvedAt)
	}
	_, err := x.ExecContext(ctx, `
		INSERT INTO _sync_conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_payload = excluded.local_payload,
			remote_payload = excluded.remote_payload,
			remote_deleted = excluded.remote_deleted,
			remote_version = excluded.remote_version,
			status = excluded.status,
			resolution = excluded.resolution,
			resolved_at = excluded.resolved_at
		WHERE _sync_conflicts.status = 'pending'`,
		c.ID, c.ChangeID, c.EntityType, c.EntityID, string(c.Operation), nullableJSON(c.LocalPayload),
		nullableJSON(c.RemotePayload), boolToInt(c.RemoteDeleted), c.LocalBaseVersion, c.RemoteVersion,
		toMillis(c.DetectedAt), string(c.Status), resolution, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to persist conflict: %w", err)
	}
	return nil
}

func (s *conflictStore) get(ctx context.Context, id string) (*SyncConflict, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM _sync_conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict: %w", err)
	}
	return c, nil
}

func (s *conflictStore) list(ctx context.Context, status ConflictStatus) ([]SyncConflict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conflictColumns+`
		FROM _sync_conflicts WHERE status = ? ORDER BY detected_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()
	out := []SyncConflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *conflictStore) countPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_conflicts WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

// resolveConflictTx marks a pending conflict resolved. It fails with ErrConflictResolved
// when the row is already immutable.
func resolveConflictTx(ctx context.Context, tx *sql.Tx, id string, r *Resolution) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE _sync_conflicts SET status = 'resolved', resolution = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(mustMarshal(r)), toMillis(r.ResolvedAt), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrConflictResolved, id)
	}
	return nil
}

func newResolution(by Priority, decision string, payload, discarded json.RawMessage, reasons []string, now time.Time) *Resolution {
	return &Resolution{
		ResolvedBy: by,
		Decision:   decision,
		Payload:    payload,
		Discarded:  discarded,
		Reasons:    reasons,
		ResolvedAt: now.UTC().Truncate(time.Millisecond),
	}
}
