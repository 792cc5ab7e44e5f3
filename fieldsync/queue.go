// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeQueue is the durable, coalescing log of pending local mutations.
// Every mutation is committed before the call returns.
type ChangeQueue struct {
	db       *sql.DB
	mu       *sync.Mutex // shared write lock, serializes local writers
	now      func() time.Time
	inflight map[string]bool // record ids with a remote write outstanding, guarded by mu
}

func newChangeQueue(db *sql.DB, mu *sync.Mutex, now func() time.Time) *ChangeQueue {
	return &ChangeQueue{db: db, mu: mu, now: now, inflight: make(map[string]bool)}
}

// beginApply marks a record as having a remote write outstanding. While set, a
// local delete cannot collapse the record since the remote may already hold it.
func (q *ChangeQueue) beginApply(id string) {
	q.mu.Lock()
	q.inflight[id] = true
	q.mu.Unlock()
}

func (q *ChangeQueue) endApply(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

const changeColumns = `id, entity_type, entity_local_id, entity_remote_id, op, payload, base_version,
	base_payload, changed_fields, field_times, generation, state, attempt_count, last_error,
	next_attempt_at, enqueued_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(s rowScanner) (*ChangeRecord, error) {
	var (
		rec                       ChangeRecord
		op, state                 string
		payload, basePayload      sql.NullString
		changedFields, fieldTimes string
		nextAt, enqueuedAt, updAt int64
	)
	if err := s.Scan(&rec.ID, &rec.EntityType, &rec.EntityLocalID, &rec.EntityRemoteID, &op, &payload,
		&rec.BaseVersion, &basePayload, &changedFields, &fieldTimes, &rec.Generation, &state,
		&rec.AttemptCount, &rec.LastError, &nextAt, &enqueuedAt, &updAt); err != nil {
		return nil, err
	}
	rec.Operation = Operation(op)
	rec.State = ChangeState(state)
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	if basePayload.Valid {
		rec.BasePayload = json.RawMessage(basePayload.String)
	}
	if err := json.Unmarshal([]byte(changedFields), &rec.ChangedFields); err != nil {
		return nil, fmt.Errorf("failed to decode changed_fields: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldTimes), &rec.FieldTimes); err != nil {
		return nil, fmt.Errorf("failed to decode field_times: %w", err)
	}
	if len(rec.FieldTimes) == 0 {
		rec.FieldTimes = nil
	}
	rec.NextAttemptAt = fromMillis(nextAt)
	rec.EnqueuedAt = fromMillis(enqueuedAt)
	rec.UpdatedAt = fromMillis(updAt)
	return &rec, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeFields(fields []string) string {
	if fields == nil {
		fields = []string{}
	}
	return string(mustMarshal(fields))
}

func encodeTimes(times map[string]int64) string {
	if times == nil {
		times = map[string]int64{}
	}
	return string(mustMarshal(times))
}

func validateChange(c *Change) error {
	c.EntityType = strings.TrimSpace(c.EntityType)
	c.EntityLocalID = strings.TrimSpace(c.EntityLocalID)
	if c.EntityType == "" {
		return fmt.Errorf("%w: entity type required", ErrInvalidChange)
	}
	if c.EntityLocalID == "" {
		return fmt.Errorf("%w: entity local id required", ErrInvalidChange)
	}
	switch c.Operation {
	case OpCreate, OpUpdate:
		if len(c.Payload) == 0 {
			return fmt.Errorf("%w: payload required for %s", ErrInvalidChange, c.Operation)
		}
		if _, err := parseObject(c.Payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, c.Operation)
	}
	return nil
}

// Enqueue appends the change or coalesces it into the entity's live record.
// It returns the resulting record, or nil when the change collapsed to a no-op
// (delete of an entity that only ever existed locally).
func (q *ChangeQueue) Enqueue(ctx context.Context, c Change) (*ChangeRecord, error) {
	if err := validateChange(&c); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	meta, err := getEntityMetaTx(ctx, tx, c.EntityType, c.EntityLocalID)
	if err != nil {
		return nil, err
	}

	existing, err := scanChange(tx.QueryRowContext(ctx, `SELECT `+changeColumns+`
		FROM _sync_changes
		WHERE entity_type = ? AND entity_local_id = ? AND state != 'dead_letter'`,
		c.EntityType, c.EntityLocalID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load live change: %w", err)
	}

	now := q.now()
	var rec *ChangeRecord
	if existing == nil {
		rec, err = q.newRecord(c, meta, now)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_changes (id, entity_type, entity_local_id, entity_remote_id, op, payload,
				base_version, base_payload, changed_fields, field_times, generation, state,
				attempt_count, last_error, next_attempt_at, enqueued_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', 0, ?, ?)`,
			rec.ID, rec.EntityType, rec.EntityLocalID, rec.EntityRemoteID, string(rec.Operation),
			nullableJSON(rec.Payload), rec.BaseVersion, nullableJSON(rec.BasePayload),
			encodeFields(rec.ChangedFields), encodeTimes(rec.FieldTimes), rec.Generation, string(rec.State),
			toMillis(now), toMillis(now)); err != nil {
			return nil, fmt.Errorf("failed to insert change: %w", err)
		}
	} else {
		var drop bool
		rec, drop, err = coalesce(existing, c, meta, q.inflight[existing.ID], now)
		if err != nil {
			return nil, err
		}
		if drop {
			if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_changes WHERE id = ?`, existing.ID); err != nil {
				return nil, fmt.Errorf("failed to collapse local-only change: %w", err)
			}
			rec = nil
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE _sync_changes SET entity_remote_id = ?, op = ?, payload = ?, changed_fields = ?,
					field_times = ?, generation = ?, updated_at = ?
				WHERE id = ?`,
				rec.EntityRemoteID, string(rec.Operation), nullableJSON(rec.Payload),
				encodeFields(rec.ChangedFields), encodeTimes(rec.FieldTimes), rec.Generation,
				toMillis(now), rec.ID); err != nil {
				return nil, fmt.Errorf("failed to coalesce change: %w", err)
			}
			if rec.State == StateConflicted {
				// Keep the reviewer's view of the local side current
				if _, err := tx.ExecContext(ctx, `
					UPDATE _sync_conflicts SET local_payload = ?, op = ?
					WHERE change_id = ? AND status = 'pending'`,
					nullableJSON(rec.Payload), string(rec.Operation), rec.ID); err != nil {
					return nil, fmt.Errorf("failed to refresh pending conflict: %w", err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return rec, nil
}

// newRecord starts a chain for an entity with no live record. An update is
// applied to the last observed remote payload so the record carries the full
// document the entity should converge to.
func (q *ChangeQueue) newRecord(c Change, meta *EntityMeta, now time.Time) (*ChangeRecord, error) {
	rec := &ChangeRecord{
		ID:             uuid.NewString(),
		EntityType:     c.EntityType,
		EntityLocalID:  c.EntityLocalID,
		EntityRemoteID: c.EntityRemoteID,
		Operation:      c.Operation,
		FieldTimes:     mergeFieldTimes(nil, c.FieldTimes),
		Generation:     1,
		State:          StatePending,
		EnqueuedAt:     now.UTC().Truncate(time.Millisecond),
		UpdatedAt:      now.UTC().Truncate(time.Millisecond),
	}
	if meta != nil {
		if rec.EntityRemoteID == "" {
			rec.EntityRemoteID = meta.RemoteID
		}
		rec.BaseVersion = meta.RemoteVersion
		rec.BasePayload = meta.RemotePayload
	}
	if c.BaseVersion != nil {
		rec.BaseVersion = *c.BaseVersion
	}
	if c.BasePayload != nil {
		rec.BasePayload = c.BasePayload
	}
	switch c.Operation {
	case OpCreate:
		rec.Payload = c.Payload
	case OpUpdate:
		doc, err := overlayPayload(rec.BasePayload, c.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}
		rec.Payload = doc
	}
	if c.Operation != OpDelete {
		rec.ChangedFields = c.ChangedFields
		if rec.ChangedFields == nil {
			rec.ChangedFields = editedFields(rec.BasePayload, rec.Payload)
		}
	}
	return rec, nil
}

// coalesce folds a new change into the live record for the same entity.
// drop reports that the chain collapsed to a no-op.
func coalesce(existing *ChangeRecord, c Change, meta *EntityMeta, inflight bool, now time.Time) (rec *ChangeRecord, drop bool, err error) {
	out := *existing
	out.Generation++
	out.UpdatedAt = now.UTC().Truncate(time.Millisecond)
	out.FieldTimes = mergeFieldTimes(existing.FieldTimes, c.FieldTimes)
	if out.EntityRemoteID == "" {
		out.EntityRemoteID = c.EntityRemoteID
	}

	switch c.Operation {
	case OpDelete:
		neverSynced := !inflight &&
			existing.Operation == OpCreate &&
			existing.EntityRemoteID == "" &&
			existing.BaseVersion == 0 &&
			existing.State == StatePending &&
			(meta == nil || meta.RemoteVersion == 0)
		if neverSynced {
			return nil, true, nil
		}
		out.Operation = OpDelete
		out.Payload = nil
		out.ChangedFields = nil
		out.FieldTimes = nil
	case OpCreate, OpUpdate:
		prev := existing.Payload
		if existing.Operation == OpDelete {
			// Re-added after a local delete: the entity exists remotely, so it is an update.
			out.Operation = OpUpdate
			prev = nil
		}
		merged, err := overlayPayload(prev, c.Payload)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}
		out.Payload = merged
		if c.ChangedFields != nil {
			out.ChangedFields = unionFields(existing.ChangedFields, c.ChangedFields)
		} else {
			out.ChangedFields = editedFields(existing.BasePayload, out.Payload)
		}
	}
	return &out, false, nil
}

// Drain returns up to limit of the oldest pending records whose backoff window has
// elapsed. Records are not removed; Ack does that after a confirmed remote apply.
func (q *ChangeQueue) Drain(ctx context.Context, limit int, ignoreBackoff bool) ([]*ChangeRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	cutoff := toMillis(q.now())
	if ignoreBackoff {
		cutoff = 1<<63 - 1
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+changeColumns+`
		FROM _sync_changes
		WHERE state = 'pending' AND next_attempt_at <= ?
		ORDER BY seq
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	var out []*ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}
	return out, nil
}

// Get loads a record by id
func (q *ChangeQueue) Get(ctx context.Context, id string) (*ChangeRecord, error) {
	rec, err := scanChange(q.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM _sync_changes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrChangeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load change: %w", err)
	}
	return rec, nil
}

// List returns records in the given state in enqueue order
func (q *ChangeQueue) List(ctx context.Context, state ChangeState) ([]*ChangeRecord, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+changeColumns+`
		FROM _sync_changes WHERE state = ? ORDER BY seq`, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()
	var out []*ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records in the given state
func (q *ChangeQueue) Count(ctx context.Context, state ChangeState) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_changes WHERE state = ?`, string(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return n, nil
}

// Ack settles a record after its write reached the remote at rec.Revision.
// If a later edit coalesced into the record meanwhile (generation moved), the
// record is kept and rebased onto the applied revision instead of removed.
func (q *ChangeQueue) Ack(ctx context.Context, rec *ChangeRecord, applied *appliedState) (removed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin ack transaction: %w", err)
	}
	defer tx.Rollback()

	removed, err = ackTx(ctx, tx, rec, applied, q.now())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit ack: %w", err)
	}
	return removed, nil
}

// appliedState is the remote state a record converged to, whether written by
// this client or observed (server_wins).
type appliedState struct {
	RemoteID string
	Revision int64
	Payload  json.RawMessage
	Deleted  bool
}

func ackTx(ctx context.Context, tx *sql.Tx, rec *ChangeRecord, applied *appliedState, now time.Time) (bool, error) {
	var gen int64
	err := tx.QueryRowContext(ctx, `SELECT generation FROM _sync_changes WHERE id = ?`, rec.ID).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		// Already acked (e.g. replayed ack after crash)
		return true, upsertEntityMetaTx(ctx, tx, rec, applied, now)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read change generation: %w", err)
	}

	if err := upsertEntityMetaTx(ctx, tx, rec, applied, now); err != nil {
		return false, err
	}

	if gen == rec.Generation {
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_changes WHERE id = ?`, rec.ID); err != nil {
			return false, fmt.Errorf("failed to ack change: %w", err)
		}
		return true, nil
	}

	// Edited during the cycle: rebase onto what the remote now holds
	if applied != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_changes SET base_version = ?, base_payload = ?, entity_remote_id = ?,
				state = 'pending', attempt_count = 0, last_error = '', next_attempt_at = 0, updated_at = ?
			WHERE id = ?`,
			applied.Revision, nullableJSON(applied.Payload), applied.RemoteID, toMillis(now), rec.ID); err != nil {
			return false, fmt.Errorf("failed to rebase change: %w", err)
		}
	}
	return false, nil
}

// Fail records a transient failure and schedules the next attempt. Once the
// attempt count exceeds maxAttempts the record is dead-lettered.
func (q *ChangeQueue) Fail(ctx context.Context, id string, cause error, maxAttempts int, backoff func(attempt int) time.Duration) (attempts int, deadLettered bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.QueryRowContext(ctx, `SELECT attempt_count FROM _sync_changes WHERE id = ?`, id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("%w: %s", ErrChangeNotFound, id)
		}
		return 0, false, fmt.Errorf("failed to read attempt count: %w", err)
	}
	attempts++
	now := q.now()
	state := StatePending
	next := now.Add(backoff(attempts))
	if attempts > maxAttempts {
		state = StateDeadLetter
		next = time.Time{}
	}
	if _, err := q.db.ExecContext(ctx, `
		UPDATE _sync_changes SET attempt_count = ?, last_error = ?, state = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		attempts, cause.Error(), string(state), toMillis(next), toMillis(now), id); err != nil {
		return attempts, false, fmt.Errorf("failed to record failure: %w", err)
	}
	return attempts, state == StateDeadLetter, nil
}

// DeadLetter moves a record straight to the dead-letter state (non-retryable failure)
func (q *ChangeQueue) DeadLetter(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := toMillis(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE _sync_changes SET state = 'dead_letter', attempt_count = attempt_count + 1,
			last_error = ?, next_attempt_at = 0, updated_at = ?
		WHERE id = ?`, cause.Error(), now, id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter change: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrChangeNotFound, id)
	}
	return nil
}

// Requeue returns a dead-lettered record to the pending state with a fresh attempt budget
func (q *ChangeQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin requeue transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanChange(tx.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM _sync_changes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrChangeNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load change: %w", err)
	}
	if rec.State != StateDeadLetter {
		return fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, id, rec.State)
	}

	var live int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_changes
		WHERE entity_type = ? AND entity_local_id = ? AND state != 'dead_letter'`,
		rec.EntityType, rec.EntityLocalID).Scan(&live); err != nil {
		return fmt.Errorf("failed to check live changes: %w", err)
	}
	if live > 0 {
		return fmt.Errorf("%w: %s/%s", ErrRequeueBlocked, rec.EntityType, rec.EntityLocalID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_changes SET state = 'pending', attempt_count = 0, last_error = '',
			next_attempt_at = 0, generation = generation + 1, updated_at = ?
		WHERE id = ?`, toMillis(q.now()), id); err != nil {
		return fmt.Errorf("failed to requeue change: %w", err)
	}
	return tx.Commit()
}

// parkConflict records a pending conflict and parks the record until it is
// resolved manually. The conflict carries the record's current local side.
func (q *ChangeQueue) parkConflict(ctx context.Context, rec *ChangeRecord, c *SyncConflict) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin conflict transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanChange(tx.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM _sync_changes WHERE id = ?`, rec.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reload change: %w", err)
	}
	c.Operation = cur.Operation
	c.LocalPayload = cur.Payload
	if err := insertConflict(ctx, tx, c); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _sync_changes SET state = 'conflicted', updated_at = ? WHERE id = ?`,
		toMillis(q.now()), rec.ID); err != nil {
		return false, fmt.Errorf("failed to mark change conflicted: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit conflict: %w", err)
	}
	return true, nil
}

// settleConflict stores a resolved conflict and acks the record against the
// converged remote state in one transaction. manual marks an existing pending
// conflict resolved and counts it in conflicts_resolved.
func (q *ChangeQueue) settleConflict(ctx context.Context, rec *ChangeRecord, c *SyncConflict, applied *appliedState, manual bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin settle transaction: %w", err)
	}
	defer tx.Rollback()

	if err := persistResolvedTx(ctx, tx, c, manual); err != nil {
		return false, err
	}
	removed, err := ackTx(ctx, tx, rec, applied, q.now())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit settle: %w", err)
	}
	return removed, nil
}

// retryResolved stores a resolved conflict whose write did not reach the remote.
// The record takes the resolved write and the remote revision it was resolved
// against, moves to a new generation, returns to pending, and is retried by a
// later cycle under a fresh apply key.
func (q *ChangeQueue) retryResolved(ctx context.Context, rec *ChangeRecord, c *SyncConflict, op Operation, payload json.RawMessage, rv *remoteView, cause error, manual bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin retry transaction: %w", err)
	}
	defer tx.Rollback()

	if err := persistResolvedTx(ctx, tx, c, manual); err != nil {
		return err
	}

	changed := rec.ChangedFields
	if op == OpDelete {
		payload = nil
		changed = nil
	} else {
		changed = unionFields(changed, topLevelKeys(payload))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_changes SET op = ?, payload = ?, base_version = ?, base_payload = ?, changed_fields = ?,
			generation = generation + 1, state = 'pending', last_error = ?, updated_at = ?
		WHERE id = ? AND generation = ?`,
		string(op), nullableJSON(payload), rv.Revision, nullableJSON(rv.Payload), encodeFields(changed),
		errString(cause), toMillis(q.now()), rec.ID, rec.Generation); err != nil {
		return fmt.Errorf("failed to rewrite change for retry: %w", err)
	}
	// A newer local edit keeps its own payload but must still leave the conflicted state
	if _, err := tx.ExecContext(ctx, `UPDATE _sync_changes SET state = 'pending' WHERE id = ? AND state = 'conflicted'`,
		rec.ID); err != nil {
		return fmt.Errorf("failed to reopen change: %w", err)
	}
	return tx.Commit()
}

func persistResolvedTx(ctx context.Context, tx *sql.Tx, c *SyncConflict, manual bool) error {
	if !manual {
		return insertConflict(ctx, tx, c)
	}
	if err := resolveConflictTx(ctx, tx, c.ID, c.Resolution); err != nil {
		return err
	}
	return addConflictsResolvedTx(ctx, tx, 1)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
