// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"
)

// MemoryStore is a goroutine-safe in-process Store. It follows the same
// revision and idempotency rules as PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	applied map[string]bool // change keys already applied
	now     func() time.Time
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Pinger = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		applied: make(map[string]bool),
		now:     time.Now,
	}
}

func recordKey(entityType, id string) string { return entityType + "/" + id }

func cloneRecord(r *Record) *Record {
	out := *r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.FieldTimes != nil {
		out.FieldTimes = maps.Clone(r.FieldTimes)
	}
	return &out
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Fetch returns the current record, including tombstones.
func (m *MemoryStore) Fetch(ctx context.Context, entityType, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey(entityType, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, entityType, id)
	}
	return cloneRecord(rec), nil
}

// Upsert writes the payload, bumping the revision.
func (m *MemoryStore) Upsert(ctx context.Context, w Write) (*Record, error) {
	if err := ValidateWrite(&w, true); err != nil {
		return nil, err
	}
	return m.write(ctx, w, false)
}

// Delete tombstones the record, bumping the revision.
func (m *MemoryStore) Delete(ctx context.Context, w Write) (*Record, error) {
	if err := ValidateWrite(&w, false); err != nil {
		return nil, err
	}
	return m.write(ctx, w, true)
}

func (m *MemoryStore) write(ctx context.Context, w Write, deleted bool) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(w.EntityType, w.ID)
	cur, exists := m.records[key]

	if m.applied[w.ChangeKey] && exists {
		return cloneRecord(cur), nil
	}

	var curRev int64
	if exists {
		curRev = cur.Revision
	}
	if w.ExpectedRevision != NoExpectedRevision && w.ExpectedRevision != curRev {
		if !exists {
			return nil, fmt.Errorf("%w: %s expected revision %d but record does not exist", ErrRevisionMismatch, key, w.ExpectedRevision)
		}
		return nil, &RevisionMismatchError{Current: cloneRecord(cur)}
	}

	next := &Record{
		EntityType:    w.EntityType,
		ID:            w.ID,
		Revision:      curRev + 1,
		UpdatedAt:     m.now().UTC(),
		Deleted:       deleted,
		LastChangeKey: w.ChangeKey,
	}
	if !deleted {
		next.Payload = append(json.RawMessage(nil), w.Payload...)
		next.FieldTimes = mergeFieldTimes(nil, w.FieldTimes)
		if exists && !cur.Deleted {
			next.FieldTimes = mergeFieldTimes(cur.FieldTimes, w.FieldTimes)
		}
	}
	m.records[key] = next
	m.applied[w.ChangeKey] = true
	return cloneRecord(next), nil
}

// Put seeds or overwrites a record out of band, as another client would.
// It bumps the revision and returns the stored record.
func (m *MemoryStore) Put(entityType, id string, payload json.RawMessage, fieldTimes map[string]int64) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(entityType, id)
	var rev int64
	var prevTimes map[string]int64
	if cur, ok := m.records[key]; ok {
		rev = cur.Revision
		if !cur.Deleted {
			prevTimes = cur.FieldTimes
		}
	}
	rec := &Record{
		EntityType: entityType,
		ID:         id,
		Revision:   rev + 1,
		UpdatedAt:  m.now().UTC(),
		Payload:    append(json.RawMessage(nil), payload...),
		FieldTimes: mergeFieldTimes(prevTimes, fieldTimes),
	}
	m.records[key] = rec
	return cloneRecord(rec)
}

// Len returns the number of records, tombstones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func mergeFieldTimes(base, overlay map[string]int64) map[string]int64 {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]int64, len(base)+len(overlay))
	maps.Copy(out, base)
	for k, v := range overlay {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}
