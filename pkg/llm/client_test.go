package llm

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(&Config{Model: "m"}, zap.NewNop())
	assert.ErrorContains(t, err, "endpoint is required")

	_, err = NewClient(&Config{Endpoint: "http://localhost"}, zap.NewNop())
	assert.ErrorContains(t, err, "model is required")

	c, err := NewClient(&Config{Endpoint: "http://localhost/v1/", Model: "m"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "m", c.GetModel())
	assert.Equal(t, "http://localhost/v1/", c.GetEndpoint())
	assert.Equal(t, DefaultMaxTokens, c.maxTokens)
}

func TestClient_GenerateResponse(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "llama",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"sql\": \"SELECT 1\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer server.Close()

	c, err := NewClient(&Config{Endpoint: server.URL, Model: "llama", APIKey: "test-key"}, zap.NewNop())
	require.NoError(t, err)

	result, err := c.GenerateResponse(t.Context(), "how many orders?", "you write SQL", 0.3, 256)
	require.NoError(t, err)

	assert.Equal(t, `{"sql": "SELECT 1"}`, result.Content)
	assert.Equal(t, 12, result.PromptTokens)
	assert.Equal(t, 5, result.CompletionTokens)
	assert.Equal(t, 17, result.TotalTokens)

	assert.Equal(t, "llama", captured["model"])
	assert.EqualValues(t, 256, captured["max_tokens"])
	messages := captured["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "how many orders?", messages[1].(map[string]any)["content"])
}

func TestClient_GenerateResponse_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "x", "object": "chat.completion", "choices": [{"index": 0, "message": {"role": "assistant", "content": "  "}}]}`))
	}))
	defer server.Close()

	c, err := NewClient(&Config{Endpoint: server.URL, Model: "m"}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.GenerateResponse(t.Context(), "q", "", 0, 0)
	require.Error(t, err)
	assert.Equal(t, ErrorTypeEmptyResponse, GetErrorType(err))
}

func TestClient_GenerateResponse_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	c, err := NewClient(&Config{Endpoint: server.URL, Model: "m", APIKey: "bad"}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.GenerateResponse(t.Context(), "q", "", 0, 0)
	require.Error(t, err)

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, ErrorTypeAuth, llmErr.Type)
	assert.False(t, llmErr.Retryable)
	assert.Equal(t, "m", llmErr.Model)
}

func TestAnthropicClient_GenerateResponse(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude",
			"content": [{"type": "text", "text": "There are 42 orders."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 6}
		}`))
	}))
	defer server.Close()

	c, err := NewAnthropicClient(&Config{Endpoint: server.URL, Model: "claude", APIKey: "test-key"}, zap.NewNop())
	require.NoError(t, err)

	result, err := c.GenerateResponse(t.Context(), "summarize", "be brief", 0.2, 0)
	require.NoError(t, err)

	assert.Equal(t, "There are 42 orders.", result.Content)
	assert.Equal(t, 26, result.TotalTokens)
	assert.Equal(t, "be brief", captured["system"])
	assert.EqualValues(t, DefaultMaxTokens, captured["max_tokens"])
}

func TestNewAnthropicClient_Validation(t *testing.T) {
	_, err := NewAnthropicClient(&Config{Model: "m"}, zap.NewNop())
	assert.ErrorContains(t, err, "api key is required")

	c, err := NewAnthropicClient(&Config{Model: "m", APIKey: "k"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "https://api.anthropic.com/v1", c.GetEndpoint())
}
