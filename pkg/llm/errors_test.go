package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/retry"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		errType   ErrorType
		retryable bool
		status    int
	}{
		{"auth", errors.New("error, status code: 401, message: Invalid API key"), ErrorTypeAuth, false, 401},
		{"model", errors.New("The model `gpt-9` does not exist"), ErrorTypeModel, false, 0},
		{"not found", errors.New("status code: 404, page not found"), ErrorTypeEndpoint, false, 404},
		{"refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), ErrorTypeEndpoint, true, 0},
		{"rate limit", errors.New("status code: 429, Rate limit reached"), ErrorTypeEndpoint, true, 429},
		{"server", errors.New("status code: 503, service unavailable"), ErrorTypeEndpoint, true, 503},
		{"overloaded", errors.New("anthropic: overloaded_error"), ErrorTypeEndpoint, true, 0},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), ErrorTypeTimeout, false, 0},
		{"client timeout", errors.New("Client.Timeout exceeded while awaiting headers"), ErrorTypeTimeout, false, 0},
		{"canceled", context.Canceled, ErrorTypeUnknown, false, 0},
		{"other", errors.New("something odd"), ErrorTypeUnknown, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			assert.Equal(t, tt.errType, got.Type)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.Equal(t, tt.status, got.StatusCode)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyError(nil))
}

func TestClassifyError_KeepsStructuredError(t *testing.T) {
	original := NewError(ErrorTypeEmptyResponse, "empty", true, nil)
	assert.Same(t, original, ClassifyError(fmt.Errorf("wrapped: %w", original)))
}

func TestError_Interfaces(t *testing.T) {
	timeout := NewErrorWithContext(ErrorTypeTimeout, "request timeout", false, context.DeadlineExceeded, "m", "http://x", 0)
	assert.True(t, apperrors.IsTimeout(timeout))
	assert.False(t, retry.IsRetryable(timeout))
	assert.Equal(t, "timeout model=m request timeout: context deadline exceeded", timeout.Error())

	transient := NewError(ErrorTypeEndpoint, "server error", true, nil)
	assert.True(t, retry.IsRetryable(transient))
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", transient)))
	assert.Equal(t, ErrorTypeEndpoint, GetErrorType(transient))
	assert.Equal(t, ErrorTypeUnknown, GetErrorType(errors.New("plain")))
}
