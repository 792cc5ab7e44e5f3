// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/remote"
)

// Classification is the detector's verdict for one drained record
type Classification string

const (
	ClassClean          Classification = "clean"           // apply directly
	ClassConflicting    Classification = "conflicting"     // route to the resolver
	ClassAlreadyApplied Classification = "already_applied" // remote already holds this write, ack only
)

// remoteView is the remote state of an entity as seen by one cycle
type remoteView struct {
	Exists        bool
	RemoteID      string
	Revision      int64
	Payload       json.RawMessage
	FieldTimes    map[string]int64
	Deleted       bool
	LastChangeKey string
}

func viewOf(rec *remote.Record) *remoteView {
	if rec == nil {
		return &remoteView{}
	}
	return &remoteView{
		Exists:        true,
		RemoteID:      rec.ID,
		Revision:      rec.Revision,
		Payload:       rec.Payload,
		FieldTimes:    rec.FieldTimes,
		Deleted:       rec.Deleted,
		LastChangeKey: rec.LastChangeKey,
	}
}

// live reports whether the remote holds a non-deleted record
func (v *remoteView) live() bool { return v.Exists && !v.Deleted }

// expectedRevision is the optimistic-concurrency value for a write against v
func (v *remoteView) expectedRevision() int64 {
	if !v.Exists {
		return 0
	}
	return v.Revision
}

func (v *remoteView) applied(fallbackID string) *appliedState {
	id := v.RemoteID
	if id == "" {
		id = fallbackID
	}
	return &appliedState{RemoteID: id, Revision: v.Revision, Payload: v.Payload, Deleted: v.Deleted}
}

// Detection is the classification plus a short reason for logs and conflict audit
type Detection struct {
	Class  Classification
	Reason string
}

// classify compares a queued record with the fetched remote state. It depends only
// on revisions and keys, never on client clocks, so identical inputs always classify
// the same way.
func classify(rec *ChangeRecord, rv *remoteView) Detection {
	if !rv.Exists {
		return Detection{Class: ClassClean, Reason: "no remote record"}
	}
	if rv.LastChangeKey != "" && rv.LastChangeKey == rec.ApplyKey() {
		return Detection{Class: ClassAlreadyApplied, Reason: "remote already holds this change"}
	}

	if rv.Deleted {
		if rec.Operation == OpDelete {
			return Detection{Class: ClassClean, Reason: "deleted on both sides"}
		}
		if rv.Revision == rec.BaseVersion {
			return Detection{Class: ClassClean, Reason: "edit based on current tombstone"}
		}
		return Detection{Class: ClassConflicting, Reason: "remote deleted since base version"}
	}

	switch {
	case rv.Revision == rec.BaseVersion:
		return Detection{Class: ClassClean, Reason: "remote unchanged since base version"}
	case rec.Operation == OpDelete:
		return Detection{Class: ClassConflicting, Reason: "local delete vs remote update"}
	case rec.BaseVersion == 0:
		return Detection{Class: ClassConflicting, Reason: "remote record exists for local create"}
	case rv.Revision > rec.BaseVersion:
		return Detection{Class: ClassConflicting, Reason: "remote revision advanced past base version"}
	default:
		return Detection{Class: ClassConflicting, Reason: "remote revision behind base version"}
	}
}
