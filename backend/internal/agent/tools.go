package agent

import "voice-bridge/backend/internal/adapter"

// Tool names the brain may return. Execution belongs to the caller.
const (
	ToolTransferCall    = "transfer_call"
	ToolEndCall         = "end_call"
	ToolRequestCallback = "request_callback"
)

// voiceTools returns the tool definitions offered on the voice channel
func voiceTools() []adapter.Tool {
	return []adapter.Tool{
		{
			Name:        ToolTransferCall,
			Description: "Transfer the caller to a human employee. Use when the caller explicitly asks for a person or the request cannot be handled.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"reason": map[string]interface{}{
						"type":        "string",
						"description": "Short reason for the transfer",
					},
				},
				"required": []string{"reason"},
			},
		},
		{
			Name:        ToolEndCall,
			Description: "End the call after the caller said goodbye and everything was summarized.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        ToolRequestCallback,
			Description: "Record a callback request with the caller's name, phone number and concern.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{
						"type":        "string",
						"description": "Full name of the caller",
					},
					"phone": map[string]interface{}{
						"type":        "string",
						"description": "Phone number in E.164 format, e.g. +41441234567",
					},
					"message": map[string]interface{}{
						"type":        "string",
						"description": "What the callback is about",
					},
				},
				"required": []string{"phone", "message"},
			},
		},
	}
}
