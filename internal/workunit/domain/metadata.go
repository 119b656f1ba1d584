package domain

import (
	"encoding/json"
	"fmt"
	"math"

	"gorm.io/datatypes"
)

// MetadataVersion is the newest metadata layout this build understands.
const MetadataVersion = 1

const metadataVersionKey = "version"

// NormalizeMetadata stamps a version on caller metadata. Absent versions
// default to the current one, unknown keys are kept untouched, and payloads
// from a newer writer are refused.
func NormalizeMetadata(in map[string]any) (datatypes.JSONMap, error) {
	out := datatypes.JSONMap{}
	for key, value := range in {
		if key == "" {
			continue
		}
		out[key] = value
	}

	version := MetadataVersion
	if raw, ok := out[metadataVersionKey]; ok && raw != nil {
		parsed, ok := asInt(raw)
		if !ok || parsed < 1 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, raw)
		}
		if parsed > MetadataVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedMetadataVersion, parsed)
		}
		version = parsed
	}
	out[metadataVersionKey] = version
	return out, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case json.Number:
		// stored metadata is decoded with UseNumber
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
