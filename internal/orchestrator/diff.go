package orchestrator

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// DiffEntry records one leaf where two documents disagree. A and B are the
// original and replay values at Path.
type DiffEntry struct {
	Path string      `json:"path"`
	A    interface{} `json:"a"`
	B    interface{} `json:"b"`
}

// DeepDiff compares two documents structurally and returns every leaf-level
// difference. Both arguments are round-tripped through JSON first, so any
// marshalable value can be compared; numbers all become float64 and field
// order never matters.
func DeepDiff(a, b interface{}) ([]DiffEntry, error) {
	av, err := jsonValue(a)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize left document: %w", err)
	}
	bv, err := jsonValue(b)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize right document: %w", err)
	}
	return diffValues(av, bv, "$"), nil
}

func jsonValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func diffValues(a, b interface{}, path string) []DiffEntry {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return nil
		}
		return []DiffEntry{{Path: path, A: a, B: b}}
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return []DiffEntry{{Path: path, A: a, B: b}}
	}

	switch av := a.(type) {
	case map[string]interface{}:
		bv := b.(map[string]interface{})
		keys := make([]string, 0, len(av)+len(bv))
		seen := make(map[string]bool, len(av)+len(bv))
		for k := range av {
			keys = append(keys, k)
			seen[k] = true
		}
		for k := range bv {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		var out []DiffEntry
		for _, k := range keys {
			out = append(out, diffValues(av[k], bv[k], path+"."+k)...)
		}
		return out

	case []interface{}:
		bv := b.([]interface{})
		var out []DiffEntry
		if len(av) != len(bv) {
			out = append(out, DiffEntry{Path: path + ".length", A: len(av), B: len(bv)})
		}
		n := len(av)
		if len(bv) < n {
			n = len(bv)
		}
		for i := 0; i < n; i++ {
			out = append(out, diffValues(av[i], bv[i], fmt.Sprintf("%s[%d]", path, i))...)
		}
		return out

	default:
		if a != b {
			return []DiffEntry{{Path: path, A: a, B: b}}
		}
		return nil
	}
}
