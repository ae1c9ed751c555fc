package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalStrings converts a tag or url list to JSON TEXT for storage.
// HTML escaping is disabled so stored URLs stay byte-identical to input.
func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(values); err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	// Encoder adds a trailing newline
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalStrings parses JSON TEXT to a non-nil string slice.
func unmarshalStrings(data string) ([]string, error) {
	out := []string{}
	if data == "" || data == "[]" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
