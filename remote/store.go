// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the contract of the backend data store consumed by the
// fieldsync engine and ships reference implementations of it: a Postgres-backed
// store, an in-memory store, and an HTTP transport (handlers + client).
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Store sentinels. Implementations wrap these so callers can match with errors.Is.
var (
	ErrNotFound         = errors.New("record not found")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrInvalid          = errors.New("invalid write")
	ErrMissingRevision  = errors.New("remote did not supply a revision")
	ErrUnavailable      = errors.New("remote unavailable")
)

// NoExpectedRevision disables the optimistic-concurrency check on a Write.
const NoExpectedRevision int64 = -1

// Record is the authoritative remote state of one entity.
type Record struct {
	EntityType    string           `json:"entity_type"`
	ID            string           `json:"id"`
	Revision      int64            `json:"revision"`                // monotonic, assigned by the store
	UpdatedAt     time.Time        `json:"updated_at"`              // store clock, informational only
	Payload       json.RawMessage  `json:"payload,omitempty"`       // nil for tombstones
	FieldTimes    map[string]int64 `json:"field_times,omitempty"`   // per-field edit time (unix ms)
	Deleted       bool             `json:"deleted"`                 // tombstone
	LastChangeKey string           `json:"last_change_key,omitempty"` // idempotency key of the last applied write
}

// Write is an upsert or delete request.
type Write struct {
	EntityType       string           `json:"entity_type"`
	ID               string           `json:"id"`
	ExpectedRevision int64            `json:"expected_revision"` // NoExpectedRevision to skip the check, 0 for "must not exist"
	Payload          json.RawMessage  `json:"payload,omitempty"`
	FieldTimes       map[string]int64 `json:"field_times,omitempty"`
	ChangeKey        string           `json:"change_key"` // replaying the same key is a no-op returning the current record
}

// Store is the row-level API of the backend data store.
//
// Every successful read and write returns a Record carrying a revision.
// Upsert and Delete must be idempotent per Write.ChangeKey.
type Store interface {
	Fetch(ctx context.Context, entityType, id string) (*Record, error)
	Upsert(ctx context.Context, w Write) (*Record, error)
	Delete(ctx context.Context, w Write) (*Record, error)
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RevisionMismatchError carries the current remote record when an expected
// revision check fails.
type RevisionMismatchError struct {
	Current *Record
}

func (e *RevisionMismatchError) Error() string {
	if e.Current == nil {
		return ErrRevisionMismatch.Error()
	}
	return fmt.Sprintf("%s: %s/%s is at revision %d", ErrRevisionMismatch, e.Current.EntityType, e.Current.ID, e.Current.Revision)
}

func (e *RevisionMismatchError) Unwrap() error { return ErrRevisionMismatch }

var namePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidateWrite checks a write before it reaches storage.
func ValidateWrite(w *Write, requirePayload bool) error {
	if !namePattern.MatchString(w.EntityType) {
		return fmt.Errorf("%w: invalid entity type %q", ErrInvalid, w.EntityType)
	}
	if w.ID == "" || len(w.ID) > 128 {
		return fmt.Errorf("%w: invalid id %q", ErrInvalid, w.ID)
	}
	if w.ChangeKey == "" {
		return fmt.Errorf("%w: change key required", ErrInvalid)
	}
	if w.ExpectedRevision < NoExpectedRevision {
		return fmt.Errorf("%w: expected revision %d", ErrInvalid, w.ExpectedRevision)
	}
	if !requirePayload {
		return nil
	}
	if len(w.Payload) == 0 {
		return fmt.Errorf("%w: payload required", ErrInvalid)
	}
	var obj map[string]any
	if err := json.Unmarshal(w.Payload, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalid)
	}
	return nil
}

// CheckRecord fails fast when a collaborator returns a record without a revision.
func CheckRecord(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: empty record", ErrMissingRevision)
	}
	if rec.Revision <= 0 {
		return fmt.Errorf("%w: %s/%s", ErrMissingRevision, rec.EntityType, rec.ID)
	}
	return nil
}
