package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"voice-bridge/backend/internal/state"
)

// ============================================================================
// Helper Functions
// ============================================================================

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getIntFromRecord(record *neo4j.Record, key string) int {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return int(i)
	}
	if i, ok := val.(int); ok {
		return i
	}
	return 0
}

func getFloat64FromRecord(record *neo4j.Record, key string) float64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0.0
	}
	if f, ok := val.(float64); ok {
		return f
	}
	if i, ok := val.(int64); ok {
		return float64(i)
	}
	return 0.0
}

func getTimeFromRecord(record *neo4j.Record, key string) time.Time {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return time.Time{}
	}
	if t, ok := val.(time.Time); ok {
		return t
	}
	return time.Time{}
}

// encodeSegments stores segments as a JSON property; Neo4j has no nested maps
func encodeSegments(segments []state.TranscriptSegment) (string, error) {
	if segments == nil {
		segments = []state.TranscriptSegment{}
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return "", fmt.Errorf("encode segments: %w", err)
	}
	return string(data), nil
}

func encodeTelemetry(telemetry state.RagTelemetry) (string, error) {
	if telemetry.TopSources == nil {
		telemetry.TopSources = []state.RagSource{}
	}
	data, err := json.Marshal(telemetry)
	if err != nil {
		return "", fmt.Errorf("encode rag telemetry: %w", err)
	}
	return string(data), nil
}

func decodeTelemetry(raw string) (state.RagTelemetry, error) {
	var telemetry state.RagTelemetry
	if raw == "" {
		return telemetry, nil
	}
	if err := json.Unmarshal([]byte(raw), &telemetry); err != nil {
		return telemetry, fmt.Errorf("decode rag telemetry: %w", err)
	}
	return telemetry, nil
}
