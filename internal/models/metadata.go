package models

import (
	"encoding/json"
	"fmt"
)

// FlattenMetadata returns a copy of meta holding only scalar values.
// Maps, slices and other complex values are stringified.
func FlattenMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = flattenValue(v)
	}
	return out
}

func flattenValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return t
	case fmt.Stringer:
		return t.String()
	case []byte:
		return string(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// MetadataString renders a scalar metadata value the way filters compare it.
func MetadataString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; integral values compare like integers.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
	}
	return fmt.Sprint(v)
}
