// Package llm provides the language model clients used for SQL generation
// and answer summarization.
package llm

import (
	"context"
)

// LLMClient accepts a prompt and returns text. It may fail or time out.
// Use this interface for dependency injection to enable deterministic stubs in tests.
type LLMClient interface {
	// GenerateResponse generates a single completion for prompt.
	// maxTokens <= 0 uses the client's default.
	GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64, maxTokens int) (*GenerateResponseResult, error)

	// GetModel returns the configured model name.
	GetModel() string

	// GetEndpoint returns the configured endpoint.
	GetEndpoint() string
}

// GenerateResponseResult is the text of a completion with token usage.
type GenerateResponseResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Ensure clients implement LLMClient at compile time.
var (
	_ LLMClient = (*Client)(nil)
	_ LLMClient = (*AnthropicClient)(nil)
	_ LLMClient = (*ResilientClient)(nil)
)
