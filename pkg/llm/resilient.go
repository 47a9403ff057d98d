package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/metrics"
	"github.com/ekaya-inc/ekaya-askdb/pkg/retry"
)

// ResilientClient guards an LLMClient with a per-call timeout, a circuit
// breaker and bounded retries of transient transport errors. Retries here
// repeat one transport call; they never count as generation attempts.
type ResilientClient struct {
	inner   LLMClient
	breaker *CircuitBreaker
	timeout time.Duration
	retry   *retry.Config
	logger  *zap.Logger
}

// ResilienceConfig configures a ResilientClient.
type ResilienceConfig struct {
	Timeout    time.Duration
	Breaker    CircuitBreakerConfig
	MaxRetries int
}

// NewResilientClient wraps inner.
func NewResilientClient(inner LLMClient, cfg ResilienceConfig, logger *zap.Logger) *ResilientClient {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.MaxRetries
	rc.Retryable = IsRetryable

	c := &ResilientClient{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg.Breaker),
		timeout: cfg.Timeout,
		retry:   rc,
		logger:  logger.Named("llm"),
	}
	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("Retrying LLM call",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return c
}

// GenerateResponse calls the wrapped client. Every returned error is an *Error.
func (c *ResilientClient) GenerateResponse(
	ctx context.Context,
	prompt string,
	systemMessage string,
	temperature float64,
	maxTokens int,
) (*GenerateResponseResult, error) {
	purpose, _ := GetContext(ctx)[ContextPurpose].(string)
	if purpose == "" {
		purpose = "unknown"
	}

	start := time.Now()
	result, err := retry.DoWithResult(ctx, c.retry, func() (*GenerateResponseResult, error) {
		return c.call(ctx, prompt, systemMessage, temperature, maxTokens)
	})

	outcome := "ok"
	if err != nil {
		err = ClassifyError(err)
		outcome = string(GetErrorType(err))
		c.logger.Warn("LLM call failed",
			zap.Any("context", GetContext(ctx)),
			zap.String("error_type", outcome),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
	metrics.ObserveLLMRequest(purpose, outcome, time.Since(start))

	return result, err
}

func (c *ResilientClient) call(
	ctx context.Context,
	prompt string,
	systemMessage string,
	temperature float64,
	maxTokens int,
) (*GenerateResponseResult, error) {
	if ok, err := c.breaker.Allow(); !ok {
		return nil, err
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	result, err := c.inner.GenerateResponse(callCtx, prompt, systemMessage, temperature, maxTokens)
	if err != nil {
		classified := ClassifyError(err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			classified = NewErrorWithContext(ErrorTypeTimeout,
				fmt.Sprintf("no response within %s", c.timeout), false, err,
				c.inner.GetModel(), c.inner.GetEndpoint(), 0)
		}
		// Caller cancellation says nothing about provider health.
		if ctx.Err() == nil && classified.Type != ErrorTypeAuth && classified.Type != ErrorTypeModel {
			c.breaker.RecordFailure()
		}
		return nil, classified
	}

	c.breaker.RecordSuccess()
	return result, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (c *ResilientClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// GetModel returns the wrapped client's model.
func (c *ResilientClient) GetModel() string {
	return c.inner.GetModel()
}

// GetEndpoint returns the wrapped client's endpoint.
func (c *ResilientClient) GetEndpoint() string {
	return c.inner.GetEndpoint()
}
