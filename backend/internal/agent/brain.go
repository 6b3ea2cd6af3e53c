package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"voice-bridge/backend/internal/adapter"
	"voice-bridge/backend/internal/constants"
	"voice-bridge/backend/internal/graph"
	"voice-bridge/backend/internal/state"
	"voice-bridge/backend/pkg/errors"
)

// ProfileSource loads tenant configuration
type ProfileSource interface {
	GetTenantProfile(ctx context.Context, tenantID string) (*graph.TenantProfile, error)
}

// Generator is the LLM the brain talks to
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history []adapter.Message, userMsg string, tools []adapter.Tool) (*adapter.Response, error)
}

// Brain answers caller utterances for a tenant. It is stateless; callers that
// keep a conversation pass it through ReplyWithHistory.
type Brain struct {
	profiles ProfileSource
	llm      Generator
	logger   *zap.Logger
	now      func() time.Time
}

// NewBrain creates a new brain
func NewBrain(profiles ProfileSource, llm Generator, logger *zap.Logger) *Brain {
	return &Brain{
		profiles: profiles,
		llm:      llm,
		logger:   logger.Named("brain"),
		now:      time.Now,
	}
}

// Reply answers a single utterance without prior context
func (b *Brain) Reply(ctx context.Context, tenantID, channel, text string) (*state.BrainReply, error) {
	return b.ReplyWithHistory(ctx, tenantID, channel, nil, text)
}

// ReplyWithHistory answers an utterance given the earlier turns of the call
func (b *Brain) ReplyWithHistory(ctx context.Context, tenantID, channel string, history []adapter.Message, text string) (*state.BrainReply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return &state.BrainReply{}, nil
	}

	profile, err := b.loadProfile(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var tools []adapter.Tool
	if channel == constants.ChannelVoice {
		tools = voiceTools()
	}
	systemPrompt := buildSystemPrompt(profile, channel, tools, b.now())

	b.logger.Debug("Generating reply",
		zap.String("tenant_id", tenantID),
		zap.String("channel", channel),
		zap.Int("history", len(history)),
		zap.Int("text_length", len(text)))

	response, err := b.llm.Generate(ctx, systemPrompt, history, text, tools)
	if err != nil {
		return nil, fmt.Errorf("failed to generate reply: %w", err)
	}

	reply := &state.BrainReply{Text: response.Content}
	if channel == constants.ChannelVoice {
		reply.Text = formatForSpeech(response.Content)
	}
	for _, tc := range response.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, state.ToolCall{
			Name:      tc.Name,
			Arguments: tc.RawArguments,
		})
	}

	b.logger.Debug("Reply generated",
		zap.String("tenant_id", tenantID),
		zap.Int("reply_length", len(reply.Text)),
		zap.Int("tool_calls", len(reply.ToolCalls)))
	return reply, nil
}

// loadProfile returns the tenant profile, or a default one when the tenant
// has no profile stored
func (b *Brain) loadProfile(ctx context.Context, tenantID string) (*graph.TenantProfile, error) {
	profile, err := b.profiles.GetTenantProfile(ctx, tenantID)
	if err == nil {
		return profile, nil
	}
	if stderrors.Is(err, errors.ErrNotFound) {
		b.logger.Warn("No tenant profile, using defaults", zap.String("tenant_id", tenantID))
		return &graph.TenantProfile{ID: tenantID, Language: constants.DefaultLanguage}, nil
	}
	return nil, fmt.Errorf("failed to load tenant profile: %w", err)
}
