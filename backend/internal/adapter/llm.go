package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultMaxRetries = 3

// LLMAdapter handles communication with the LLM via LiteLLM
type LLMAdapter struct {
	client       *openai.Client
	model        string
	mu           sync.RWMutex // Protects model field for concurrent access
	logger       *zap.Logger
	maxRetries   int
	retryBackoff time.Duration
}

// NewLLMAdapter creates a new LLM adapter. baseURL is the LiteLLM root
// without the /v1 suffix.
func NewLLMAdapter(baseURL, apiKey, modelID string, logger *zap.Logger) *LLMAdapter {
	// LiteLLM accepts any key when auth is disabled
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimSuffix(baseURL, "/") + "/v1"

	return &LLMAdapter{
		client:       openai.NewClientWithConfig(config),
		model:        modelID,
		logger:       logger.Named("llm"),
		maxRetries:   defaultMaxRetries,
		retryBackoff: time.Second,
	}
}

// SetModel updates the model used by this adapter
func (a *LLMAdapter) SetModel(model string) {
	if model != "" {
		a.mu.Lock()
		a.model = model
		a.mu.Unlock()
		a.logger.Debug("LLM adapter model updated", zap.String("model", model))
	}
}

// GetModel returns the current model
func (a *LLMAdapter) GetModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Tool represents a function that can be called by the LLM
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Message is one prior turn of the conversation
type Message struct {
	Role    string
	Content string
}

// Response represents the LLM's response
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// ToolCall represents a function call from the LLM
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
	// RawArguments is the JSON the model produced
	RawArguments string
}

// Generate sends the system prompt, prior turns and the new user message and
// returns the model's reply. Failed requests are retried with linear backoff.
func (a *LLMAdapter) Generate(ctx context.Context, systemPrompt string, history []Message, userMsg string, tools []Tool) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMsg,
	})

	openaiTools := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		openaiTools = append(openaiTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	currentModel := a.GetModel()
	req := openai.ChatCompletionRequest{
		Model:       currentModel,
		Messages:    messages,
		Temperature: 0.4,
	}
	if len(openaiTools) > 0 {
		req.Tools = openaiTools
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.retryBackoff
			a.logger.Warn("Retrying LLM request",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("llm request cancelled: %w", ctx.Err())
			}
		}

		resp, err = a.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}

		a.logger.Error("LLM request failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.String("model", currentModel),
		)
		if ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to generate response after %d attempts: %w", a.maxRetries, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in LLM response")
	}

	choice := resp.Choices[0]
	response := &Response{
		Content:   strings.TrimSpace(choice.Message.Content),
		ToolCalls: []ToolCall{},
	}

	for _, tc := range choice.Message.ToolCalls {
		args, err := parseJSONArguments(tc.Function.Arguments)
		if err != nil {
			a.logger.Warn("Failed to parse tool call arguments",
				zap.String("tool_id", tc.ID),
				zap.Error(err),
			)
			args = make(map[string]interface{})
		}
		response.ToolCalls = append(response.ToolCalls, ToolCall{
			ID:           tc.ID,
			Name:         tc.Function.Name,
			Arguments:    args,
			RawArguments: tc.Function.Arguments,
		})
	}

	a.logger.Debug("LLM response generated",
		zap.String("model", currentModel),
		zap.Int("tool_calls", len(response.ToolCalls)),
		zap.Bool("has_content", response.Content != ""),
	)

	return response, nil
}

// parseJSONArguments parses the JSON string arguments into a map
func parseJSONArguments(jsonStr string) (map[string]interface{}, error) {
	if jsonStr == "" {
		return make(map[string]interface{}), nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &args); err != nil {
		return nil, fmt.Errorf("failed to parse arguments: %w", err)
	}
	return args, nil
}
