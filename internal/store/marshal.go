package store

import (
	"encoding/json"
	"fmt"
)

// marshalIDs converts an id list to JSON TEXT. A nil list is stored as [].
func marshalIDs(ids []string) (string, error) {
	if ids == nil {
		return "[]", nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal ids: %w", err)
	}
	return string(data), nil
}

// unmarshalIDs parses JSON TEXT to an id list, never returning nil.
func unmarshalIDs(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal ids: %w", err)
	}
	return ids, nil
}

// detailsText converts a details blob to TEXT, defaulting to {}.
func detailsText(details json.RawMessage) string {
	if len(details) == 0 {
		return "{}"
	}
	return string(details)
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
