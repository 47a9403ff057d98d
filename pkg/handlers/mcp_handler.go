package handlers

import (
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/auth"
	"github.com/ekaya-inc/ekaya-askdb/pkg/mcp"
	"github.com/ekaya-inc/ekaya-askdb/pkg/middleware"
)

// MCPHandler handles MCP protocol requests over HTTP.
type MCPHandler struct {
	httpServer *server.StreamableHTTPServer
	logger     *zap.Logger
}

// NewMCPHandler creates a new MCP handler from an MCP server.
func NewMCPHandler(mcpServer *mcp.Server, logger *zap.Logger) *MCPHandler {
	return &MCPHandler{
		httpServer: mcpServer.NewStreamableHTTPServer(),
		logger:     logger,
	}
}

// RegisterRoutes registers the MCP endpoint at /mcp.
func (h *MCPHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	// 1. MCP request/response logging (innermost - logs JSON-RPC details)
	// 2. Session cookie (fallback identity for clients without Mcp-Session-Id)
	// 3. Method check (outermost)
	loggedHandler := middleware.MCPRequestLogger(h.logger)(h.httpServer)
	sessionHandler := authMiddleware.RequireSession(loggedHandler.ServeHTTP)
	mux.Handle("/mcp", h.requireMCPMethod(sessionHandler))
}

// requireMCPMethod returns 405 for methods the streamable HTTP transport
// does not use: POST carries JSON-RPC, GET opens the notification stream,
// DELETE ends the session.
func (h *MCPHandler) requireMCPMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodGet, http.MethodDelete:
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Allow", "POST, GET, DELETE")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}
