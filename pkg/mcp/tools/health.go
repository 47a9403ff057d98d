package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
)

type healthResult struct {
	Status          string                      `json:"status"`
	Version         string                      `json:"version"`
	DatasourceTypes []string                    `json:"datasource_types"`
	Connections     *datasource.ConnectionStats `json:"connections,omitempty"`
}

// RegisterHealthTool adds a health check tool to the MCP server.
// The tool returns the server status, version, the supported datasource
// types and, when connMgr is not nil, connection pool usage.
func RegisterHealthTool(s *server.MCPServer, version string, connMgr *datasource.ConnectionManager) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status and version"),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		health := healthResult{Status: "ok", Version: version}
		for _, info := range datasource.RegisteredAdapters() {
			health.DatasourceTypes = append(health.DatasourceTypes, info.Type)
		}
		if connMgr != nil {
			stats := connMgr.GetStats()
			health.Connections = &stats
		}

		result, err := json.Marshal(health)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal health result: %w", err)
		}
		return mcp.NewToolResultText(string(result)), nil
	})
}
