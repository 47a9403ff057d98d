// Package mcp exposes the chat service as Model Context Protocol tools so
// assistants can connect to a database and ask questions through it.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-askdb/pkg/services"
)

// ServerName is the MCP implementation name reported on initialize.
const ServerName = "ekaya-askdb"

// Server wraps the mcp-go MCPServer with the askdb tool set.
type Server struct {
	mcp    *server.MCPServer
	logger *zap.Logger
}

// NewServer creates a new MCP server instance.
func NewServer(name, version string, logger *zap.Logger) *Server {
	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	return &Server{
		mcp:    mcpServer,
		logger: logger,
	}
}

// NewChatServer creates an MCP server with the chat and health tools registered.
// connMgr may be nil.
func NewChatServer(version string, chat services.ChatService, connMgr *datasource.ConnectionManager, logger *zap.Logger) *Server {
	s := NewServer(ServerName, version, logger)
	tools.RegisterChatTools(s.mcp, &tools.ChatToolDeps{
		Chat:   chat,
		Logger: logger.Named("mcp-tools"),
	})
	tools.RegisterHealthTool(s.mcp, version, connMgr)
	return s
}

// MCP returns the underlying MCPServer for tool registration.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// NewStreamableHTTPServer creates an HTTP transport server wrapping this MCP server.
// The transport is stateful: each client gets an Mcp-Session-Id, and that
// session owns one chat session. The HTTP mux handles routing to /mcp, so no
// endpoint path is configured here.
func (s *Server) NewStreamableHTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcp)
}

// RegisterTool is a convenience wrapper for registering a tool.
func (s *Server) RegisterTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, handler)
}
