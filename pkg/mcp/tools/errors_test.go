package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
)

// getTextContent extracts the text string from the first text content item
func getTextContent(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	jsonBytes, _ := json.Marshal(result.Content[0])
	var textContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	_ = json.Unmarshal(jsonBytes, &textContent)
	return textContent.Text
}

func TestNewErrorResult(t *testing.T) {
	result := NewErrorResult("not_connected", "connect first")

	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	assert.True(t, result.IsError)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(getTextContent(result)), &errResp))
	assert.True(t, errResp.Error, "error field should be true")
	assert.Equal(t, "not_connected", errResp.Code)
	assert.Equal(t, "connect first", errResp.Message)
	assert.Nil(t, errResp.Details, "details should be nil when not provided")
}

func TestNewErrorResultWithDetails(t *testing.T) {
	result := NewErrorResultWithDetails("invalid_input", "unknown format", map[string]any{
		"allowed": []string{"json", "yaml"},
	})

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(getTextContent(result)), &errResp))
	detailsMap, ok := errResp.Details.(map[string]any)
	require.True(t, ok, "details should be a map")
	assert.Equal(t, []any{"json", "yaml"}, detailsMap["allowed"])
}

func TestServiceErrorResult(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not connected", apperrors.ErrNotConnected, "not_connected"},
		{"busy", apperrors.ErrRequestInProgress, "request_in_progress"},
		{"rate limited", apperrors.ErrRateLimited, "rate_limited"},
		{"invalid input", fmt.Errorf("%w: question is empty", apperrors.ErrInvalidInput), "invalid_input"},
		{"unsupported", fmt.Errorf("%w: oracle", apperrors.ErrUnsupportedDatasource), "unsupported_datasource"},
		{"connection limit", apperrors.ErrConnectionLimit, "connection_limit"},
		{"discovery", &apperrors.SchemaDiscoveryError{Op: "list columns", Err: errors.New("denied")}, "schema_discovery_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := serviceErrorResult(tt.err)
			require.True(t, ok)

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal([]byte(getTextContent(result)), &errResp))
			assert.Equal(t, tt.wantCode, errResp.Code)
		})
	}

	t.Run("unknown errors are not mapped", func(t *testing.T) {
		result, ok := serviceErrorResult(errors.New("boom"))
		assert.False(t, ok)
		assert.Nil(t, result)
	})
}
