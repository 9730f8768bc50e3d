// Package types provides core data types shared across the Shardkeeper system.
package types

import (
	"fmt"
	"strconv"
)

// Row represents a single data row as a column → value mapping.
// Rows are schemaless: values are whatever the adapter round-trips
// (string, float64, int64, bool, nil, []byte, nested maps/slices after
// JSON decoding).
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	cp := make(Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// RowID extracts the "id" column of a row as a string.
// Returns false if the row has no id or the id is empty.
func RowID(row Row) (string, bool) {
	v, ok := row["id"]
	if !ok || v == nil {
		return "", false
	}
	s := KeyString(v)
	if s == "" {
		return "", false
	}
	return s, true
}

// KeyString produces the canonical string form of a shard-key value.
// The same logical value must always stringify identically regardless of
// how it was decoded (int64 vs float64 from JSON), since the result feeds
// the hash ring.
func KeyString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		// JSON decodes all numbers as float64. Integral values must match
		// their int64 form.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return KeyString(float64(x))
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}
