// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
)

// parseObject decodes a JSON object payload. Empty input yields an empty map.
func parseObject(raw json.RawMessage) (map[string]any, error) {
	obj := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return obj, nil
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Values here always come from json.Unmarshal
		panic(err)
	}
	return b
}

// overlayPayload applies next to prev as a top-level merge patch: keys in next
// replace those in prev and a null value removes the key.
func overlayPayload(prev, next json.RawMessage) (json.RawMessage, error) {
	base, err := parseObject(prev)
	if err != nil {
		return nil, err
	}
	top, err := parseObject(next)
	if err != nil {
		return nil, err
	}
	for k, v := range top {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	return mustMarshal(base), nil
}

// topLevelKeys returns the sorted keys of a JSON object payload
func topLevelKeys(raw json.RawMessage) []string {
	obj, err := parseObject(raw)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// editedFields lists the keys whose value differs between base and payload,
// including keys payload removed. Without a base every key counts as edited.
func editedFields(base, payload json.RawMessage) []string {
	if len(base) == 0 {
		return topLevelKeys(payload)
	}
	b, err := parseObject(base)
	if err != nil {
		return topLevelKeys(payload)
	}
	p, err := parseObject(payload)
	if err != nil {
		return nil
	}
	out := []string{}
	for k, v := range p {
		if bv, ok := b[k]; !ok || !jsonValueEqual(bv, v) {
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := p[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func unionFields(a, b []string) []string {
	out := slices.Clone(a)
	for _, f := range b {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
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

// jsonValueEqual compares two decoded JSON values
func jsonValueEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
