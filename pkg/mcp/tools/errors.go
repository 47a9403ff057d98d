package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/logging"
)

// ErrorResponse represents a structured error in tool results.
// It is returned as a successful tool result flagged isError so the
// model calling the tool sees the details instead of a protocol error.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for errors the caller can act on (not connected, bad arguments).
// System failures should still return Go errors.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// serviceErrorResult maps a chat service error to a tool error result.
// ok is false for errors that are not the caller's to fix.
func serviceErrorResult(err error) (result *mcp.CallToolResult, ok bool) {
	var discErr *apperrors.SchemaDiscoveryError
	switch {
	case errors.Is(err, apperrors.ErrNotConnected):
		return NewErrorResult("not_connected", "Not connected to a database. Call connect first."), true
	case errors.Is(err, apperrors.ErrRequestInProgress):
		return NewErrorResult("request_in_progress", "A question is already being answered for this session."), true
	case errors.Is(err, apperrors.ErrRateLimited):
		return NewErrorResult("rate_limited", "Too many questions. Wait a moment before asking again."), true
	case errors.Is(err, apperrors.ErrInvalidInput):
		return NewErrorResult("invalid_input", err.Error()), true
	case errors.Is(err, apperrors.ErrUnsupportedDatasource):
		return NewErrorResult("unsupported_datasource", err.Error()), true
	case errors.Is(err, apperrors.ErrConnectionLimit):
		return NewErrorResult("connection_limit", "The server has reached its connection limit."), true
	case errors.As(err, &discErr):
		return NewErrorResult("schema_discovery_failed", logging.SanitizeError(err)), true
	}
	return nil, false
}
