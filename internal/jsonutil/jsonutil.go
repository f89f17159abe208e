// Package jsonutil provides shared utilities for JSON parsing patterns:
// error handling, type conversion, and line-oriented stream helpers.
package jsonutil

import (
	"encoding/json"
	"fmt"
)

// UnmarshalWithContext unmarshals JSON data into v and wraps any error
// with the provided context message.
func UnmarshalWithContext(data []byte, v interface{}, context string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

// GetString safely extracts a string value from a map[string]interface{}.
// Returns the value if it's a string, otherwise returns empty string.
func GetString(m map[string]interface{}, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

// GetMap safely extracts a nested object from a map[string]interface{}.
// Returns nil when the key is absent or not an object.
func GetMap(m map[string]interface{}, key string) map[string]interface{} {
	if val, ok := m[key].(map[string]interface{}); ok {
		return val
	}
	return nil
}

// UnmarshalLine unmarshals a single JSON line (string) into v.
// Returns an error if the line is empty or cannot be parsed.
func UnmarshalLine(line string, v interface{}) error {
	if line == "" {
		return fmt.Errorf("empty JSON line")
	}
	return json.Unmarshal([]byte(line), v)
}

// UnmarshalLineSafe unmarshals a single JSON line (string) into v.
// Returns false if the line is empty or cannot be parsed, true on success.
// Useful when parsing JSONL streams where some lines may be invalid.
func UnmarshalLineSafe(line string, v interface{}) bool {
	return UnmarshalLine(line, v) == nil
}
