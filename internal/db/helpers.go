// ABOUTME: Shared scan and encoding helpers for the db package.
package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/models"
)

const timeLayout = time.RFC3339Nano

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed, nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullIfZeroTime(value time.Time) interface{} {
	if value.IsZero() {
		return nil
	}
	return formatTime(value)
}

// encodeCapabilities marshals a capability map for storage. Nil and empty
// maps are stored as NULL so that "never declared" round-trips as absence.
func encodeCapabilities(m models.CapabilityMap) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	return string(data), nil
}

func decodeCapabilities(raw string) (models.CapabilityMap, error) {
	if raw == "" {
		return nil, nil
	}
	var m models.CapabilityMap
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return m, nil
}

func encodeTimeMap(m map[string]time.Time) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = formatTime(v)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode time map: %w", err)
	}
	return string(data), nil
}

func decodeTimeMap(raw string) (map[string]time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	var in map[string]string
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("decode time map: %w", err)
	}
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		ts, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("decode time map key %s: %w", k, err)
		}
		out[k] = ts
	}
	return out, nil
}
