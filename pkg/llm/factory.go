package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/config"
)

// Provider names accepted in llm.provider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// NewFromConfig builds the provider client named by cfg and wraps it in a
// ResilientClient. The returned client is shared by all sessions.
func NewFromConfig(cfg config.LLMConfig, logger *zap.Logger) (*ResilientClient, error) {
	clientCfg := &Config{
		Endpoint:  cfg.Endpoint,
		Model:     cfg.Model,
		APIKey:    cfg.APIKey,
		MaxTokens: cfg.MaxTokens,
	}

	var (
		inner LLMClient
		err   error
	)
	switch cfg.Provider {
	case ProviderOpenAI, "":
		inner, err = NewClient(clientCfg, logger)
	case ProviderAnthropic:
		if clientCfg.Endpoint == config.DefaultLLMEndpoint {
			clientCfg.Endpoint = ""
		}
		inner, err = NewAnthropicClient(clientCfg, logger)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}

	return NewResilientClient(inner, ResilienceConfig{
		Timeout: cfg.Timeout,
		Breaker: CircuitBreakerConfig{
			Threshold:  cfg.CircuitThreshold,
			ResetAfter: cfg.CircuitReset,
		},
		MaxRetries: 2,
	}, logger), nil
}
