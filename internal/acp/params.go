package acp

import (
	"encoding/json"
)

func stringParam(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func intParam(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	default:
		return 0, false
	}
}

func sliceParam(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	if val, ok := m[key]; ok {
		if arr, ok := val.([]any); ok {
			return arr
		}
	}
	return nil
}

func mapParam(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if val, ok := m[key]; ok {
		if mp, ok := val.(map[string]any); ok {
			return mp
		}
	}
	return nil
}
