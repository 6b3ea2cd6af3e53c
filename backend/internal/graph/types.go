package graph

import (
	"time"

	"voice-bridge/backend/internal/state"
)

// ============================================================================
// Graph Types
// ============================================================================

// TenantProfile is the per-location configuration the voice channel needs
type TenantProfile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	EngineAgentID string `json:"engine_agent_id,omitempty"`
	VoicePreset   string `json:"voice_preset,omitempty"`
	Greeting      string `json:"greeting,omitempty"`
	Language      string `json:"language,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
}

// VoicePreset maps a preset name to a provider voice
type VoicePreset struct {
	Name  string  `json:"name"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// CallRecord is the persisted outcome of one call
type CallRecord struct {
	ID           string             `json:"id"`
	CallID       string             `json:"call_sid"`
	TenantID     string             `json:"tenant_id,omitempty"`
	Transcript   string             `json:"transcript"`
	SegmentCount int                `json:"segment_count"`
	Telemetry    state.RagTelemetry `json:"rag_telemetry"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      time.Time          `json:"ended_at"`
}
