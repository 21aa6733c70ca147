// Package audit computes structured before/after diffs of persisted
// documents and records them as append-only audit entries.
package audit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// Diff computes the field-level differences between two document snapshots.
// Both snapshots are round-tripped through JSON so typed structs, maps and
// raw JSON compare identically. Changes whose path equals or is nested under
// one of the ignored prefixes are dropped.
func Diff(before, after any, ignoredPrefixes []string) ([]models.Change, error) {
	beforeMap, err := toComparable(before)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize before snapshot: %w", err)
	}
	afterMap, err := toComparable(after)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize after snapshot: %w", err)
	}

	var changes []models.Change
	diffValues(&changes, "", beforeMap, afterMap)

	filtered := changes[:0]
	for _, change := range changes {
		if !isIgnored(change.Path, ignoredPrefixes) {
			filtered = append(filtered, change)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Path < filtered[j].Path
	})
	return filtered, nil
}

func toComparable(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func diffValues(changes *[]models.Change, path string, before, after any) {
	if reflect.DeepEqual(before, after) {
		return
	}

	beforeMap, beforeIsMap := before.(map[string]any)
	afterMap, afterIsMap := after.(map[string]any)
	if beforeIsMap && afterIsMap {
		diffMaps(changes, path, beforeMap, afterMap)
		return
	}

	beforeArr, beforeIsArr := before.([]any)
	afterArr, afterIsArr := after.([]any)
	if beforeIsArr && afterIsArr {
		diffArrays(changes, path, beforeArr, afterArr)
		return
	}

	*changes = append(*changes, models.Change{
		Path:     path,
		Kind:     models.ChangeKindChange,
		OldValue: before,
		NewValue: after,
	})
}

func diffMaps(changes *[]models.Change, path string, before, after map[string]any) {
	for key, beforeVal := range before {
		childPath := joinPath(path, key)
		afterVal, exists := after[key]
		if !exists {
			*changes = append(*changes, models.Change{
				Path:     childPath,
				Kind:     models.ChangeKindRemove,
				OldValue: beforeVal,
			})
			continue
		}
		diffValues(changes, childPath, beforeVal, afterVal)
	}

	for key, afterVal := range after {
		if _, exists := before[key]; exists {
			continue
		}
		*changes = append(*changes, models.Change{
			Path:     joinPath(path, key),
			Kind:     models.ChangeKindCreate,
			NewValue: afterVal,
		})
	}
}

func diffArrays(changes *[]models.Change, path string, before, after []any) {
	max := len(before)
	if len(after) > max {
		max = len(after)
	}

	for i := 0; i < max; i++ {
		childPath := joinPath(path, strconv.Itoa(i))
		switch {
		case i >= len(after):
			*changes = append(*changes, models.Change{
				Path:     childPath,
				Kind:     models.ChangeKindRemove,
				OldValue: before[i],
			})
		case i >= len(before):
			*changes = append(*changes, models.Change{
				Path:     childPath,
				Kind:     models.ChangeKindCreate,
				NewValue: after[i],
			})
		default:
			diffValues(changes, childPath, before[i], after[i])
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func isIgnored(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+".") {
			return true
		}
	}
	return false
}
