package agent

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/adapter"
	"voice-bridge/backend/internal/constants"
	"voice-bridge/backend/internal/graph"
	"voice-bridge/backend/pkg/errors"
)

// Mock implementations for testing

type mockProfiles struct {
	profiles map[string]*graph.TenantProfile
	err      error
}

func (m *mockProfiles) GetTenantProfile(ctx context.Context, tenantID string) (*graph.TenantProfile, error) {
	if m.err != nil {
		return nil, m.err
	}
	if p, ok := m.profiles[tenantID]; ok {
		return p, nil
	}
	return nil, errors.ErrNotFound
}

type generateCall struct {
	systemPrompt string
	history      []adapter.Message
	userMsg      string
	tools        []adapter.Tool
}

type mockLLMAdapter struct {
	response *adapter.Response
	err      error
	calls    []generateCall
}

func (m *mockLLMAdapter) Generate(ctx context.Context, systemPrompt string, history []adapter.Message, userMsg string, tools []adapter.Tool) (*adapter.Response, error) {
	m.calls = append(m.calls, generateCall{systemPrompt, history, userMsg, tools})
	if m.err != nil {
		return nil, m.err
	}
	if m.response != nil {
		return m.response, nil
	}
	return &adapter.Response{Content: "Gerne."}, nil
}

func newTestBrain(llm *mockLLMAdapter) *Brain {
	profiles := &mockProfiles{profiles: map[string]*graph.TenantProfile{
		"T1": {ID: "T1", Name: "Praxis Muster", Language: "de-CH", SystemPrompt: "Öffnungszeiten: Mo-Fr 8-18 Uhr."},
	}}
	b := NewBrain(profiles, llm, zap.NewNop())
	b.now = func() time.Time { return time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC) }
	return b
}

func TestBrain_Reply_Voice(t *testing.T) {
	llm := &mockLLMAdapter{response: &adapter.Response{
		Content: "**Gerne!** Wir haben:\n- Montag bis Freitag\n- 8 bis 18 Uhr 😊",
	}}
	b := newTestBrain(llm)

	reply, err := b.Reply(context.Background(), "T1", constants.ChannelVoice, "  Wann habt ihr offen?  ")
	require.NoError(t, err)
	assert.Equal(t, "Gerne! Wir haben: Montag bis Freitag 8 bis 18 Uhr", reply.Text)
	assert.Empty(t, reply.ToolCalls)

	require.Len(t, llm.calls, 1)
	call := llm.calls[0]
	assert.Equal(t, "Wann habt ihr offen?", call.userMsg)
	assert.Contains(t, call.systemPrompt, "Praxis Muster")
	assert.Contains(t, call.systemPrompt, "Öffnungszeiten: Mo-Fr 8-18 Uhr.")
	assert.Contains(t, call.systemPrompt, "09.03.2026")
	assert.Contains(t, call.systemPrompt, "Deutsch")
	assert.Contains(t, call.systemPrompt, "vorgelesen")
	assert.Len(t, call.tools, 3)
}

func TestBrain_Reply_TextChannelKeepsFormatting(t *testing.T) {
	llm := &mockLLMAdapter{response: &adapter.Response{Content: "**Termin** gebucht"}}
	b := newTestBrain(llm)

	reply, err := b.Reply(context.Background(), "T1", "webchat", "Termin bitte")
	require.NoError(t, err)
	assert.Equal(t, "**Termin** gebucht", reply.Text)
	assert.Empty(t, llm.calls[0].tools)
	assert.NotContains(t, llm.calls[0].systemPrompt, "vorgelesen")
}

func TestBrain_Reply_ToolCalls(t *testing.T) {
	llm := &mockLLMAdapter{response: &adapter.Response{
		Content: "Ich verbinde Sie.",
		ToolCalls: []adapter.ToolCall{{
			ID:           "call_1",
			Name:         ToolTransferCall,
			Arguments:    map[string]interface{}{"reason": "Rechnung"},
			RawArguments: `{"reason":"Rechnung"}`,
		}},
	}}
	b := newTestBrain(llm)

	reply, err := b.Reply(context.Background(), "T1", constants.ChannelVoice, "Ich will mit jemandem sprechen")
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, ToolTransferCall, reply.ToolCalls[0].Name)
	assert.Equal(t, `{"reason":"Rechnung"}`, reply.ToolCalls[0].Arguments)
}

func TestBrain_Reply_BlankTextSkipsLLM(t *testing.T) {
	llm := &mockLLMAdapter{}
	b := newTestBrain(llm)

	reply, err := b.Reply(context.Background(), "T1", constants.ChannelVoice, "   ")
	require.NoError(t, err)
	assert.Empty(t, reply.Text)
	assert.Empty(t, llm.calls)
}

func TestBrain_Reply_UnknownTenantUsesDefaults(t *testing.T) {
	llm := &mockLLMAdapter{}
	b := newTestBrain(llm)

	reply, err := b.Reply(context.Background(), "unknown", constants.ChannelVoice, "Hallo")
	require.NoError(t, err)
	assert.Equal(t, "Gerne.", reply.Text)
	assert.Contains(t, llm.calls[0].systemPrompt, "ein Schweizer Unternehmen")
}

func TestBrain_Reply_Errors(t *testing.T) {
	b := NewBrain(&mockProfiles{err: stderrors.New("neo4j down")}, &mockLLMAdapter{}, zap.NewNop())
	_, err := b.Reply(context.Background(), "T1", constants.ChannelVoice, "Hallo")
	assert.ErrorContains(t, err, "tenant profile")

	llm := &mockLLMAdapter{err: stderrors.New("rate limited")}
	_, err = newTestBrain(llm).Reply(context.Background(), "T1", constants.ChannelVoice, "Hallo")
	assert.ErrorContains(t, err, "rate limited")
}

func TestBrain_ReplyWithHistory(t *testing.T) {
	llm := &mockLLMAdapter{}
	b := newTestBrain(llm)

	history := []adapter.Message{
		{Role: "user", Content: "Grüezi"},
		{Role: "assistant", Content: "Grüezi, wie kann ich helfen?"},
	}
	_, err := b.ReplyWithHistory(context.Background(), "T1", constants.ChannelVoice, history, "Einen Termin bitte")
	require.NoError(t, err)
	assert.Equal(t, history, llm.calls[0].history)
}

func TestFormatForSpeech(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Guten Tag.", "Guten Tag."},
		{"link", "Siehe [unsere Seite](https://example.ch).", "Siehe unsere Seite."},
		{"numbered list", "Optionen:\n1. Termin\n2. Rückruf", "Optionen: Termin Rückruf"},
		{"heading", "## Hinweis\nBitte warten", "Hinweis Bitte warten"},
		{"umlauts kept", "Grüezi, schön dass Sie anrufen", "Grüezi, schön dass Sie anrufen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatForSpeech(tt.in))
		})
	}
}

func TestTruncateAtSentence(t *testing.T) {
	long := strings.Repeat("Das ist ein Satz. ", 50)
	got := truncateAtSentence(long, 100)
	assert.LessOrEqual(t, len([]rune(got)), 100)
	assert.True(t, strings.HasSuffix(got, "."))

	noStops := strings.Repeat("wort ", 40)
	got = truncateAtSentence(noStops, 50)
	assert.True(t, strings.HasSuffix(got, "…"))

	assert.Equal(t, "kurz", truncateAtSentence("kurz", 100))
}
