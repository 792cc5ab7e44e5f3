// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// resolveOutcome is what the resolver decided for one conflicting record.
// For keep_local and merge, Operation/Payload is the write to send.
type resolveOutcome struct {
	Decision  string
	Operation Operation
	Payload   json.RawMessage
	Reasons   []string
}

// resolve applies the configured policy. It never touches storage or the network.
func resolve(priority Priority, rec *ChangeRecord, rv *remoteView) resolveOutcome {
	switch priority {
	case PriorityClientWins:
		return resolveOutcome{Decision: DecisionKeepLocal, Operation: rec.Operation, Payload: rec.Payload}
	case PriorityServerWins:
		return resolveOutcome{Decision: DecisionKeepRemote}
	case PriorityMerge:
		if rec.Operation == OpDelete {
			return resolveOutcome{Decision: DecisionManual, Reasons: []string{"local delete vs remote update"}}
		}
		if rv.Deleted {
			return resolveOutcome{Decision: DecisionManual, Reasons: []string{"local update vs remote delete"}}
		}
		merged, unresolved, err := mergeFields(rec, rv)
		if err != nil {
			return resolveOutcome{Decision: DecisionManual, Reasons: []string{err.Error()}}
		}
		if len(unresolved) > 0 {
			reasons := make([]string, 0, len(unresolved))
			for _, f := range unresolved {
				reasons = append(reasons, fmt.Sprintf("field %q edited on both sides", f))
			}
			return resolveOutcome{Decision: DecisionManual, Reasons: reasons}
		}
		op := rec.Operation
		if op == OpCreate {
			op = OpUpdate
		}
		return resolveOutcome{Decision: DecisionMerge, Operation: op, Payload: merged}
	default:
		return resolveOutcome{Decision: DecisionManual}
	}
}

// mergeFields does a field-level three-way merge of the local payload into the
// remote one. Fields only one side changed go to that side. Fields both sides
// changed to different values go to the newer field timestamp when both sides
// carry one, otherwise they are returned as unresolved.
func mergeFields(rec *ChangeRecord, rv *remoteView) (json.RawMessage, []string, error) {
	local, err := parseObject(rec.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("local payload: %w", err)
	}
	remoteObj, err := parseObject(rv.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("remote payload: %w", err)
	}
	base, err := parseObject(rec.BasePayload)
	if err != nil {
		return nil, nil, fmt.Errorf("base payload: %w", err)
	}
	hasBase := len(rec.BasePayload) > 0

	localChanged := rec.ChangedFields
	if len(localChanged) == 0 {
		localChanged = changedKeys(base, local)
	}

	keys := map[string]struct{}{}
	for _, m := range []map[string]any{local, remoteObj, base} {
		for k := range m {
			keys[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(keys))
	for k := range keys {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	out := make(map[string]any, len(remoteObj))
	for k, v := range remoteObj {
		out[k] = v
	}

	var unresolved []string
	for _, f := range fields {
		if !slices.Contains(localChanged, f) {
			continue
		}
		lv, lok := local[f]
		rvv, rok := remoteObj[f]

		var remoteChanged bool
		if hasBase {
			bv, bok := base[f]
			remoteChanged = rok != bok || !jsonValueEqual(rvv, bv)
		} else {
			remoteChanged = rok != lok || !jsonValueEqual(rvv, lv)
		}

		if remoteChanged && rok == lok && jsonValueEqual(rvv, lv) {
			remoteChanged = false
		}
		if !remoteChanged {
			setField(out, f, lv, lok)
			continue
		}

		lt, lHas := rec.FieldTimes[f]
		rt, rHas := rv.FieldTimes[f]
		switch {
		case lHas && rHas && lt > rt:
			setField(out, f, lv, lok)
		case lHas && rHas && rt > lt:
			// remote value already in out
		default:
			unresolved = append(unresolved, f)
		}
	}
	if len(unresolved) > 0 {
		return nil, unresolved, nil
	}
	return mustMarshal(out), nil, nil
}

func setField(out map[string]any, f string, v any, ok bool) {
	if ok {
		out[f] = v
	} else {
		delete(out, f)
	}
}

// changedKeys lists fields whose value differs between base and next
func changedKeys(base, next map[string]any) []string {
	var out []string
	for k, v := range next {
		if bv, ok := base[k]; !ok || !jsonValueEqual(bv, v) {
			out = append(out, k)
		}
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
