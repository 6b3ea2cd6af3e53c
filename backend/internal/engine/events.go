package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"voice-bridge/backend/internal/state"
)

// Message types on the engine connection
const (
	TypeInitiation      = "conversation_initiation_client_data"
	TypeInitiationMeta  = "conversation_initiation_metadata"
	TypeAudioIn         = "audio_in"
	TypeAudioOut        = "audio_out"
	TypeUserTranscript  = "user_transcript"
	TypeUserMessage     = "user_message"
	TypeAgentResponse   = "agent_response"
	TypeRagQuery        = "rag_query_telemetry"
	TypeError           = "error"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeServerMessageID = "server_mid"
	TypeClientMessageID = "client_mid"
)

// Event is one message received from the engine. The concrete types below are
// the only implementations; anything else decodes to Unknown.
type Event interface {
	eventType() string
}

// InitiationAck confirms the conversation and carries its id
type InitiationAck struct {
	ConversationID string
}

// AudioOut is a chunk of synthesized 16-bit PCM
type AudioOut struct {
	Audio []byte
}

// UserTranscript is a transcript fragment of the caller's speech
type UserTranscript struct {
	Text    string
	IsFinal bool
}

// AgentResponse is the text the agent is about to speak
type AgentResponse struct {
	Text string
}

// RagQuery reports one knowledge-base lookup made by the engine
type RagQuery struct {
	Stats state.RagQueryStats
}

// EngineError is an error reported in-band by the engine
type EngineError struct {
	Code    string
	Message string
}

// Ping is a keep-alive that must be answered with a pong
type Ping struct {
	EventID int64
}

// MessageAck acknowledges a server or client message id
type MessageAck struct {
	Kind string
	MID  string
}

// Unknown is any message type this client does not understand
type Unknown struct {
	Type string
}

func (InitiationAck) eventType() string  { return TypeInitiation }
func (AudioOut) eventType() string       { return TypeAudioOut }
func (UserTranscript) eventType() string { return TypeUserTranscript }
func (AgentResponse) eventType() string  { return TypeAgentResponse }
func (RagQuery) eventType() string       { return TypeRagQuery }
func (EngineError) eventType() string    { return TypeError }
func (Ping) eventType() string           { return TypePing }
func (a MessageAck) eventType() string   { return a.Kind }
func (u Unknown) eventType() string      { return u.Type }

// wireMessage covers every server message shape; only the field matching
// Type is populated.
type wireMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`

	InitiationMeta *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		AudioB64Alt string `json:"audio_base64"`
	} `json:"audio_event,omitempty"`

	UserTranscript *struct {
		UserInput string `json:"user_input"`
		IsFinal   *bool  `json:"is_final"`
	} `json:"user_transcript,omitempty"`
	UserTranscriptEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	RagQueryEvent *struct {
		Query         string `json:"query"`
		ResultCount   int    `json:"result_count"`
		InjectedChars int    `json:"injected_chars"`
		TopSources    []struct {
			DocumentID string  `json:"document_id"`
			Title      string  `json:"title"`
			FileName   string  `json:"file_name"`
			Score      float64 `json:"score"`
		} `json:"top_sources"`
	} `json:"rag_query_event,omitempty"`

	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`

	PingEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event,omitempty"`

	MID string `json:"mid,omitempty"`
}

// ParseEvent decodes one server message
func ParseEvent(data []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode engine message: %w", err)
	}

	switch msg.Type {
	case TypeInitiation, TypeInitiationMeta:
		id := msg.ConversationID
		if id == "" && msg.InitiationMeta != nil {
			id = msg.InitiationMeta.ConversationID
		}
		return InitiationAck{ConversationID: id}, nil

	case TypeAudioOut, "audio":
		if msg.AudioEvent == nil {
			return AudioOut{}, nil
		}
		encoded := msg.AudioEvent.AudioB64Alt
		if encoded == "" {
			encoded = msg.AudioEvent.AudioBase64
		}
		audio, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode audio_out payload: %w", err)
		}
		return AudioOut{Audio: audio}, nil

	case TypeUserTranscript:
		if msg.UserTranscript != nil {
			isFinal := false
			if msg.UserTranscript.IsFinal != nil {
				isFinal = *msg.UserTranscript.IsFinal
			}
			return UserTranscript{Text: msg.UserTranscript.UserInput, IsFinal: isFinal}, nil
		}
		if msg.UserTranscriptEvent != nil {
			// The event form only reports finished utterances
			return UserTranscript{Text: msg.UserTranscriptEvent.UserTranscript, IsFinal: true}, nil
		}
		return UserTranscript{}, nil

	case TypeAgentResponse:
		if msg.AgentResponseEvent == nil {
			return AgentResponse{}, nil
		}
		return AgentResponse{Text: msg.AgentResponseEvent.AgentResponse}, nil

	case TypeRagQuery:
		stats := state.RagQueryStats{Timestamp: time.Now()}
		if ev := msg.RagQueryEvent; ev != nil {
			stats.Query = ev.Query
			stats.ResultCount = ev.ResultCount
			stats.InjectedChars = ev.InjectedChars
			for _, src := range ev.TopSources {
				stats.TopSources = append(stats.TopSources, state.RagSource{
					DocumentID: src.DocumentID,
					Title:      src.Title,
					FileName:   src.FileName,
					Score:      src.Score,
				})
			}
		}
		return RagQuery{Stats: stats}, nil

	case TypeError:
		if msg.Error == nil {
			return EngineError{Message: "unknown engine error"}, nil
		}
		return EngineError{Code: msg.Error.Code, Message: msg.Error.Message}, nil

	case TypePing:
		var id int64
		if msg.PingEvent != nil {
			id = msg.PingEvent.EventID
		}
		return Ping{EventID: id}, nil

	case TypeServerMessageID, TypeClientMessageID:
		return MessageAck{Kind: msg.Type, MID: msg.MID}, nil
	}

	return Unknown{Type: msg.Type}, nil
}

// Client -> server messages

type initiationMessage struct {
	Type               string             `json:"type"`
	ConversationConfig conversationConfig `json:"conversation_config"`
}

type conversationConfig struct {
	AgentID  string `json:"agent_id"`
	Language string `json:"language"`
}

type audioInMessage struct {
	Type    string `json:"type"`
	AudioIn string `json:"audio_in"`
}

type userMessage struct {
	Type        string `json:"type"`
	UserMessage string `json:"user_message"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}
