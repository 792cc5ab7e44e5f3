// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of local mutation
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation accepts create/update/delete in any case
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, s)
	}
}

// ChangeState is the lifecycle state of a ChangeRecord
type ChangeState string

const (
	StatePending    ChangeState = "pending"     // waiting to be drained
	StateConflicted ChangeState = "conflicted"  // parked behind a pending manual conflict
	StateDeadLetter ChangeState = "dead_letter" // terminal until requeued
)

// ChangeRecord is a queued local mutation awaiting synchronization
type ChangeRecord struct {
	ID             string           `json:"id"`
	EntityType     string           `json:"entity_type"`
	EntityLocalID  string           `json:"entity_local_id"`
	EntityRemoteID string           `json:"entity_remote_id,omitempty"`
	Operation      Operation        `json:"operation"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	BaseVersion    int64            `json:"base_version"`           // remote revision seen when edited
	BasePayload    json.RawMessage  `json:"base_payload,omitempty"` // remote snapshot the edit started from
	ChangedFields  []string         `json:"changed_fields,omitempty"`
	FieldTimes     map[string]int64 `json:"field_times,omitempty"` // local edit time per field (unix ms)
	Generation     int64            `json:"generation"`
	State          ChangeState      `json:"state"`
	AttemptCount   int              `json:"attempt_count"`
	LastError      string           `json:"last_error,omitempty"`
	NextAttemptAt  time.Time        `json:"next_attempt_at"`
	EnqueuedAt     time.Time        `json:"enqueued_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// RemoteID is the id used against the remote store
func (c *ChangeRecord) RemoteID() string {
	if c.EntityRemoteID != "" {
		return c.EntityRemoteID
	}
	return c.EntityLocalID
}

// ApplyKey is the idempotency key sent with the remote write. It changes
// whenever a later edit coalesces into the record.
func (c *ChangeRecord) ApplyKey() string {
	return fmt.Sprintf("%s:%d", c.ID, c.Generation)
}

// resolutionKey is the idempotency key of a conflict resolution written against
// remote revision rev. It never equals ApplyKey, so a store that already holds
// the original write still applies the resolution.
func (c *ChangeRecord) resolutionKey(rev int64) string {
	return fmt.Sprintf("%s:%d:r%d", c.ID, c.Generation, rev)
}

// Change is a local mutation submitted by the UI layer
type Change struct {
	EntityType     string
	EntityLocalID  string
	EntityRemoteID string
	Operation      Operation
	// Payload is the full document for a create and a top-level merge patch
	// for an update: keys replace current values and a null removes the key.
	Payload json.RawMessage
	// BaseVersion/BasePayload default to the last remote state the engine observed for the entity.
	BaseVersion *int64
	BasePayload json.RawMessage
	// ChangedFields defaults to the keys of the merged document that differ from BasePayload.
	ChangedFields []string
	FieldTimes    map[string]int64
}

// ConflictStatus is the state of a SyncConflict
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// SyncConflict is a detected divergence between a local edit's baseline and the remote record
type SyncConflict struct {
	ID               string          `json:"id"`
	ChangeID         string          `json:"change_id"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	Operation        Operation       `json:"operation"`
	LocalPayload     json.RawMessage `json:"local_payload,omitempty"`
	RemotePayload    json.RawMessage `json:"remote_payload,omitempty"`
	RemoteDeleted    bool            `json:"remote_deleted"`
	LocalBaseVersion int64           `json:"local_base_version"`
	RemoteVersion    int64           `json:"remote_version"`
	DetectedAt       time.Time       `json:"detected_at"`
	Status           ConflictStatus  `json:"status"`
	Resolution       *Resolution     `json:"resolution,omitempty"`
}

// Resolution records how a conflict was settled
type Resolution struct {
	ResolvedBy Priority        `json:"resolved_by"` // policy, or PriorityManual for explicit calls
	Decision   string          `json:"decision"`    // keep_local, keep_remote, merge, manual
	Payload    json.RawMessage `json:"payload,omitempty"`
	Discarded  json.RawMessage `json:"discarded,omitempty"` // local payload dropped under server_wins
	Reasons    []string        `json:"reasons,omitempty"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// Resolution decisions
const (
	DecisionKeepLocal  = "keep_local"
	DecisionKeepRemote = "keep_remote"
	DecisionMerge      = "merge"
	DecisionManual     = "manual"
)

// SyncMetrics describes sync health
type SyncMetrics struct {
	TotalSynced          int64     `json:"total_synced"`
	TotalFailed          int64     `json:"total_failed"`
	AverageTimeMs        float64   `json:"average_time_ms"`
	LastSyncTime         time.Time `json:"last_sync_time"`
	ConflictsResolved    int64     `json:"conflicts_resolved"`
	DataTransferredBytes int64     `json:"data_transferred_bytes"`
	CyclesCompleted      int64     `json:"cycles_completed"`
}

// EntityMeta is the last remote state the engine observed for an entity
type EntityMeta struct {
	EntityType    string
	LocalID       string
	RemoteID      string
	RemoteVersion int64
	RemotePayload json.RawMessage
	Deleted       bool
	SyncedAt      time.Time
}
