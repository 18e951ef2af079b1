package database

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"
)

// transform is a field value computed from the field's current value at
// commit time.
type transform interface {
	apply(cur any, now string) (v any, keep bool)
}

type increment struct{ n int64 }

type arrayUnion struct{ vals []any }

type arrayRemove struct{ vals []any }

type deleteField struct{}

type serverTimestamp struct{}

// Increment adds n to a numeric field. A missing or non-numeric field counts
// as zero.
func Increment(n int64) any { return increment{n: n} }

// ArrayUnion appends each value not already present in an array field.
func ArrayUnion(vals ...string) any { return arrayUnion{vals: strs(vals)} }

// ArrayRemove removes every occurrence of each value from an array field.
func ArrayRemove(vals ...string) any { return arrayRemove{vals: strs(vals)} }

// DeleteField removes the field.
func DeleteField() any { return deleteField{} }

// ServerTimestamp resolves to the commit time, RFC 3339 in UTC.
func ServerTimestamp() any { return serverTimestamp{} }

func strs(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func (t increment) apply(cur any, _ string) (any, bool) {
	n, _ := AsInt(cur)
	return n + t.n, true
}

func (t arrayUnion) apply(cur any, _ string) (any, bool) {
	arr, _ := cur.([]any)
	out := append([]any{}, arr...)
	for _, v := range t.vals {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out, true
}

func (t arrayRemove) apply(cur any, _ string) (any, bool) {
	arr, _ := cur.([]any)
	out := make([]any, 0, len(arr))
	for _, v := range arr {
		if !contains(t.vals, v) {
			out = append(out, v)
		}
	}
	return out, true
}

func (deleteField) apply(any, string) (any, bool) { return nil, false }

func (serverTimestamp) apply(_ any, now string) (any, bool) { return now, true }

func contains(arr []any, v any) bool {
	for _, a := range arr {
		if reflect.DeepEqual(a, v) {
			return true
		}
	}
	return false
}

// AsInt converts a JSON number to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func commitTime() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// applyFields writes fields into doc. Dotted keys address nested maps,
// creating them as needed.
func applyFields(doc Fields, fields Fields, now string) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := fields[key]
		parts := strings.Split(key, ".")
		parent := map[string]any(doc)
		for _, p := range parts[:len(parts)-1] {
			child, ok := parent[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				parent[p] = child
			}
			parent = child
		}

		leaf := parts[len(parts)-1]
		if t, ok := val.(transform); ok {
			v, keep := t.apply(parent[leaf], now)
			if keep {
				parent[leaf] = v
			} else {
				delete(parent, leaf)
			}
			continue
		}

		v, err := normalizeValue(val)
		if err != nil {
			return err
		}
		parent[leaf] = v
	}

	return nil
}

func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
