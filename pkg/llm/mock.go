package llm

import (
	"context"
	"fmt"
)

// MockLLMClient is a configurable mock for testing LLM functionality.
// Set GenerateResponseFunc, or queue canned replies in Responses.
type MockLLMClient struct {
	// GenerateResponseFunc is called when GenerateResponse is invoked.
	// It takes precedence over Responses.
	GenerateResponseFunc func(ctx context.Context, prompt string, systemMessage string, temperature float64, maxTokens int) (*GenerateResponseResult, error)

	// Responses are returned in order, one per call. When exhausted the
	// last one repeats. An empty queue returns an empty_response error.
	Responses []string

	// Model is returned by GetModel. Defaults to "mock-model".
	Model string

	// Endpoint is returned by GetEndpoint. Defaults to "http://mock-endpoint".
	Endpoint string

	// Call tracking for verification
	GenerateResponseCalls int
	Prompts               []string
	SystemMessages        []string
}

// NewMockLLMClient creates a new mock with sensible defaults.
func NewMockLLMClient(responses ...string) *MockLLMClient {
	return &MockLLMClient{
		Model:     "mock-model",
		Endpoint:  "http://mock-endpoint",
		Responses: responses,
	}
}

// GenerateResponse implements LLMClient.
func (m *MockLLMClient) GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64, maxTokens int) (*GenerateResponseResult, error) {
	m.GenerateResponseCalls++
	m.Prompts = append(m.Prompts, prompt)
	m.SystemMessages = append(m.SystemMessages, systemMessage)

	if m.GenerateResponseFunc != nil {
		return m.GenerateResponseFunc(ctx, prompt, systemMessage, temperature, maxTokens)
	}
	if len(m.Responses) == 0 {
		return nil, NewError(ErrorTypeEmptyResponse, "mock has no responses", false, nil)
	}

	idx := m.GenerateResponseCalls - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return &GenerateResponseResult{Content: m.Responses[idx]}, nil
}

// LastPrompt returns the most recent prompt, or "".
func (m *MockLLMClient) LastPrompt() string {
	if len(m.Prompts) == 0 {
		return ""
	}
	return m.Prompts[len(m.Prompts)-1]
}

// GetModel implements LLMClient.
func (m *MockLLMClient) GetModel() string {
	if m.Model == "" {
		return "mock-model"
	}
	return m.Model
}

// GetEndpoint implements LLMClient.
func (m *MockLLMClient) GetEndpoint() string {
	if m.Endpoint == "" {
		return "http://mock-endpoint"
	}
	return m.Endpoint
}

// Reset clears call tracking.
func (m *MockLLMClient) Reset() {
	m.GenerateResponseCalls = 0
	m.Prompts = nil
	m.SystemMessages = nil
}

// FailingLLMClient returns err from every call.
func FailingLLMClient(err error) *MockLLMClient {
	return &MockLLMClient{
		GenerateResponseFunc: func(context.Context, string, string, float64, int) (*GenerateResponseResult, error) {
			return nil, err
		},
	}
}

// String implements fmt.Stringer for test failure output.
func (m *MockLLMClient) String() string {
	return fmt.Sprintf("MockLLMClient{calls: %d}", m.GenerateResponseCalls)
}

// Ensure MockLLMClient implements LLMClient at compile time.
var _ LLMClient = (*MockLLMClient)(nil)
