// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntityMetaTx(ctx context.Context, q queryRower, entityType, localID string) (*EntityMeta, error) {
	var (
		m        EntityMeta
		payload  sql.NullString
		deleted  int
		syncedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT entity_type, local_id, remote_id, remote_version, remote_payload, deleted, synced_at
		FROM _sync_entity_meta WHERE entity_type = ? AND local_id = ?`,
		entityType, localID).Scan(&m.EntityType, &m.LocalID, &m.RemoteID, &m.RemoteVersion, &payload, &deleted, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity meta: %w", err)
	}
	if payload.Valid {
		m.RemotePayload = []byte(payload.String)
	}
	m.Deleted = deleted == 1
	m.SyncedAt = fromMillis(syncedAt)
	return &m, nil
}

func upsertEntityMetaTx(ctx context.Context, tx *sql.Tx, rec *ChangeRecord, applied *appliedState, now time.Time) error {
	if applied == nil {
		return nil
	}
	remoteID := applied.RemoteID
	if remoteID == "" {
		remoteID = rec.RemoteID()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_entity_meta (entity_type, local_id, remote_id, remote_version, remote_payload, deleted, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			remote_version = excluded.remote_version,
			remote_payload = excluded.remote_payload,
			deleted = excluded.deleted,
			synced_at = excluded.synced_at
		WHERE excluded.remote_version >= _sync_entity_meta.remote_version`,
		rec.EntityType, rec.EntityLocalID, remoteID, applied.Revision, nullableJSON(applied.Payload),
		boolToInt(applied.Deleted), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to upsert entity meta: %w", err)
	}
	return nil
}
