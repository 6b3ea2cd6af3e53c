package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chatCompletionJSON(content string, toolCalls string) string {
	if toolCalls == "" {
		toolCalls = "null"
	}
	return `{"id":"chatcmpl-1","object":"chat.completion","model":"test",` +
		`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` +
		jsonString(content) + `,"tool_calls":` + toolCalls + `}}]}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestLLMAdapter_Generate(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletionJSON("  Wir haben bis 18 Uhr offen.  ", ""))
	}))
	defer server.Close()

	a := NewLLMAdapter(server.URL, "", "test-model", zap.NewNop())
	resp, err := a.Generate(context.Background(), "system", []Message{{Role: "assistant", Content: "Grüezi"}}, "Wann habt ihr offen?", nil)
	require.NoError(t, err)
	assert.Equal(t, "Wir haben bis 18 Uhr offen.", resp.Content)
	assert.Empty(t, resp.ToolCalls)

	assert.Equal(t, "test-model", received["model"])
	messages, ok := received["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, messages, 3)
}

func TestLLMAdapter_ToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletionJSON("", `[{"id":"call_1","type":"function",`+
			`"function":{"name":"transfer_call","arguments":"{\"reason\":\"billing\"}"}}]`))
	}))
	defer server.Close()

	a := NewLLMAdapter(server.URL, "key", "test-model", zap.NewNop())
	resp, err := a.Generate(context.Background(), "system", nil, "Ich möchte mit jemandem sprechen", []Tool{{
		Name:       "transfer_call",
		Parameters: map[string]interface{}{"type": "object"},
	}})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "transfer_call", resp.ToolCalls[0].Name)
	assert.Equal(t, "billing", resp.ToolCalls[0].Arguments["reason"])
	assert.Equal(t, `{"reason":"billing"}`, resp.ToolCalls[0].RawArguments)
}

func TestLLMAdapter_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
			return
		}
		_, _ = io.WriteString(w, chatCompletionJSON("ok", ""))
	}))
	defer server.Close()

	a := NewLLMAdapter(server.URL, "", "test-model", zap.NewNop())
	a.retryBackoff = time.Millisecond

	resp, err := a.Generate(context.Background(), "system", nil, "hallo", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLLMAdapter_GivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer server.Close()

	a := NewLLMAdapter(server.URL, "", "test-model", zap.NewNop())
	a.retryBackoff = time.Millisecond

	_, err := a.Generate(context.Background(), "system", nil, "hallo", nil)
	require.Error(t, err)
	assert.Equal(t, int32(defaultMaxRetries), calls.Load())
}

func TestLLMAdapter_SetModel(t *testing.T) {
	a := NewLLMAdapter("http://localhost:4000", "", "a", zap.NewNop())
	a.SetModel("")
	assert.Equal(t, "a", a.GetModel())
	a.SetModel("b")
	assert.Equal(t, "b", a.GetModel())
}

// TestLLMAdapter_Live requires a running LiteLLM instance
func TestLLMAdapter_Live(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	a := NewLLMAdapter("http://localhost:4000", "", "openrouter/anthropic/claude-3.5-sonnet", zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	response, err := a.Generate(ctx, "Du bist eine freundliche Telefonassistenz.", nil, "Sag Hallo in einem Satz.", nil)
	if err != nil {
		t.Skipf("LiteLLM not reachable: %v", err)
	}
	assert.NotEmpty(t, response.Content)
}
