package llm

import (
	"context"
)

type contextKey string

const (
	llmContextKey contextKey = "llm_context"
)

// Keys used in the LLM call context.
const (
	ContextSessionID = "session_id"
	ContextPurpose   = "purpose"
	ContextStep      = "step"
)

// WithContext returns a context carrying call metadata for logging.
// The values are merged with any existing metadata.
func WithContext(ctx context.Context, values map[string]any) context.Context {
	existing := GetContext(ctx)
	if existing == nil {
		existing = make(map[string]any)
	}
	for k, v := range values {
		existing[k] = v
	}
	return context.WithValue(ctx, llmContextKey, existing)
}

// GetContext returns a copy of the call metadata, or nil.
func GetContext(ctx context.Context) map[string]any {
	if c, ok := ctx.Value(llmContextKey).(map[string]any); ok {
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out
	}
	return nil
}

// WithPurpose tags calls made for one pipeline stage of a session,
// e.g. "generate", "retry", "agent", "summarize".
func WithPurpose(ctx context.Context, sessionID, purpose string) context.Context {
	values := map[string]any{ContextPurpose: purpose}
	if sessionID != "" {
		values[ContextSessionID] = sessionID
	}
	return WithContext(ctx, values)
}
