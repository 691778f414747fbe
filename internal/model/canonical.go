package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DecodeRowPKs reverses RowPKs, used where a stored rowPks string must be
// turned back into column=value pairs (tombstone compaction's DELETE).
func DecodeRowPKs(rowPKs string) (map[string]any, error) {
	var values map[string]any
	if err := json.Unmarshal([]byte(rowPKs), &values); err != nil {
		return nil, fmt.Errorf("model: decode row pks: %w", err)
	}
	return values, nil
}

// CanonicalJSON renders a value as compact, key-sorted JSON with no
// whitespace, suitable for hashing/comparison (rowPks encoding, tombstone
// keys).
//
// encoding/json already sorts map[string]any keys and omits insignificant
// whitespace when Marshal is called directly (no Indent). normalize
// additionally turns driver-returned []byte values into strings, so a TEXT
// key encodes the same whether the driver hands it back as bytes or as a
// string; numeric values are passed through unchanged.
func CanonicalJSON(v any) ([]byte, error) {
	normalized := normalize(v)
	buf, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("model: canonical json encode: %w", err)
	}
	return buf, nil
}

// normalize walks a value tree built from database/sql driver values
// (int64, float64, bool, string, []byte, nil, or maps/slices of those) and
// reduces it to the subset encoding/json already renders deterministically.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return t
	}
}

// RowPKs canonically encodes the primary-key column values of a row as the
// rowPks string carried on every ColumnChange: a JSON object whose keys are
// sorted by column name, whatever the schema order of the columns.
func RowPKs(pkColumnsInSchemaOrder []string, values map[string]any) (string, error) {
	ordered := make(map[string]any, len(pkColumnsInSchemaOrder))
	for _, col := range pkColumnsInSchemaOrder {
		ordered[col] = values[col]
	}
	buf, err := CanonicalJSON(ordered)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// SortedKeys returns the keys of m in ascending order, for a deterministic
// iteration order that encoding/json's map handling does not expose
// directly.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
