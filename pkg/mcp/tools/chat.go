package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-askdb/pkg/auth"
	"github.com/ekaya-inc/ekaya-askdb/pkg/logging"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
	"github.com/ekaya-inc/ekaya-askdb/pkg/services"
)

// mcpSessionPrefix keeps MCP transport sessions apart from cookie sessions.
const mcpSessionPrefix = "mcp:"

var validate = validator.New()

// SessionResolver returns the chat session a tool call belongs to, or ""
// when the call carries no identity.
type SessionResolver func(ctx context.Context) string

// SessionFromContext prefers the MCP transport session (Mcp-Session-Id) and
// falls back to the cookie session put in the context by the HTTP layer.
func SessionFromContext(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil && cs.SessionID() != "" {
		return mcpSessionPrefix + cs.SessionID()
	}
	return auth.GetSessionIDFromContext(ctx)
}

// ChatToolDeps contains dependencies for the chat tools.
type ChatToolDeps struct {
	Chat     services.ChatService
	Sessions SessionResolver
	Logger   *zap.Logger
}

// RegisterChatTools registers the tools that drive a chat session:
// connect, ask, directive and history management, schema and status.
func RegisterChatTools(s *server.MCPServer, deps *ChatToolDeps) {
	if deps.Sessions == nil {
		deps.Sessions = SessionFromContext
	}
	registerConnectTool(s, deps)
	registerDisconnectTool(s, deps)
	registerAskTool(s, deps)
	registerDirectiveTools(s, deps)
	registerHistoryTools(s, deps)
	registerSchemaTool(s, deps)
	registerStatusTool(s, deps)
}

// withSession wraps a handler that needs a session identity.
func withSession(deps *ChatToolDeps, fn func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := deps.Sessions(ctx)
		if sessionID == "" {
			return NewErrorResult("no_session", "This call carries no session. Initialize an MCP session first."), nil
		}
		return fn(ctx, sessionID, req)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

func registerConnectTool(s *server.MCPServer, deps *ChatToolDeps) {
	tool := mcp.NewTool(
		"connect",
		mcp.WithDescription(
			"Connect this session to a PostgreSQL or SQL Server database. "+
				"The schema is discovered on connect and used to answer questions with read-only SQL. "+
				"Reconnecting replaces the previous connection and conversation.",
		),
		mcp.WithString("type", mcp.Required(), mcp.Enum("postgres", "mssql"), mcp.Description("Database type")),
		mcp.WithString("host", mcp.Required(), mcp.Description("Database host")),
		mcp.WithNumber("port", mcp.Description("Database port (default: 5432 for postgres, 1433 for mssql)")),
		mcp.WithString("user", mcp.Required(), mcp.Description("Database user")),
		mcp.WithString("password", mcp.Description("Database password")),
		mcp.WithString("database", mcp.Required(), mcp.Description("Database name")),
		mcp.WithString("ssl_mode", mcp.Description("TLS mode: disable, prefer, require, verify-ca or verify-full")),
		mcp.WithString("directive", mcp.Description("Optional standing instruction applied to every question")),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, withSession(deps, func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		connReq := &models.ConnectionRequest{
			Type:      strings.TrimSpace(req.GetString("type", "")),
			Host:      strings.TrimSpace(req.GetString("host", "")),
			Port:      req.GetInt("port", 0),
			User:      req.GetString("user", ""),
			Password:  req.GetString("password", ""),
			Database:  strings.TrimSpace(req.GetString("database", "")),
			SSLMode:   req.GetString("ssl_mode", ""),
			Directive: req.GetString("directive", ""),
		}
		if err := validate.Struct(connReq); err != nil {
			return NewErrorResult("invalid_input", err.Error()), nil
		}

		res, err := deps.Chat.Connect(ctx, sessionID, connReq)
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			deps.Logger.Debug("MCP connect failed",
				zap.String("session_id", sessionID),
				zap.String("error", logging.SanitizeError(err)))
			// Bad credentials and unreachable hosts are for the caller to fix.
			return NewErrorResult("connection_failed", logging.SanitizeError(err)), nil
		}

		return jsonResult(struct {
			Database   string   `json:"database"`
			TableCount int      `json:"table_count"`
			Tables     []string `json:"tables"`
			Welcome    string   `json:"welcome"`
		}{
			Database:   connReq.Database,
			TableCount: len(res.Snapshot.Tables),
			Tables:     res.Snapshot.TableNames(),
			Welcome:    res.Welcome,
		})
	}))
}

func registerDisconnectTool(s *server.MCPServer, deps *ChatToolDeps) {
	tool := mcp.NewTool(
		"disconnect",
		mcp.WithDescription("Close this session's database connection and forget the conversation."),
		mcp.WithIdempotentHintAnnotation(true),
	)

	s.AddTool(tool, withSession(deps, func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Chat.Disconnect(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("disconnect failed: %w", err)
		}
		return jsonResult(map[string]bool{"disconnected": true})
	}))
}

func registerAskTool(s *server.MCPServer, deps *ChatToolDeps) {
	tool := mcp.NewTool(
		"ask",
		mcp.WithDescription(
			"Ask a question about the connected database in plain language. "+
				"A read-only SQL query is generated, validated and executed, and the answer is summarized. "+
				"Follow-up questions see the recent conversation.",
		),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question, at most 2000 characters")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, withSession(deps, func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return NewErrorResult("invalid_input", err.Error()), nil
		}

		res, err := deps.Chat.Ask(ctx, sessionID, question)
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, fmt.Errorf("ask failed: %w", err)
		}

		result, err := jsonResult(res)
		if err != nil {
			return nil, err
		}
		result.IsError = !res.Success
		return result, nil
	}))
}

func registerDirectiveTools(s *server.MCPServer, deps *ChatToolDeps) {
	setTool := mcp.NewTool(
		"set_directive",
		mcp.WithDescription("Set a standing instruction (business rule, unit, naming hint) applied to every following question."),
		mcp.WithString("directive", mcp.Required(), mcp.Description("The instruction, at most 2000 characters")),
		mcp.WithIdempotentHintAnnotation(true),
	)
	s.AddTool(setTool, withSession(deps, func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		directive, err := req.RequireString("directive")
		if err != nil {
			return NewErrorResult("invalid_input", err.Error()), nil
		}
		if err := deps.Chat.SetDirective(ctx, sessionID, directive); err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, fmt.Errorf("set directive failed: %w", err)
		}
		current, err := deps.Chat.GetDirective(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("get directive failed: %w", err)
		}
		return jsonResult(map[string]string{"directive": current})
	}))

	clearTool := mcp.NewTool(
		"clear_directive",
		mcp.WithDescription("Remove the standing instruction."),
		mcp.WithIdempotentHintAnnotation(true),
	)
	s.AddTool(clearTool, withSession(deps, func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Chat.ClearDirective(ctx, sessionID); err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, fmt.Errorf("clear directive failed: %w", err)
		}
		return jsonResult(map[string]bool{"cleared": true})
	}))
}

func registerHistoryTools(s *server.MCPServer, deps *ChatToolDeps) {
	getTool := mcp.NewTool(
		"get_history",
		mcp.WithDescription("Return the retained conversation turns of this session."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(getTool, withSession(deps, func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		turns, err := deps.Chat.GetHistory(ctx, sessionID)
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, fmt.Errorf("get history failed: %w", err)
		}
		return jsonResult(map[string]any{"turns": turns})
	}))

	clearTool := mcp.NewTool(
		"clear_history",
		mcp.WithDescription("Forget the conversation. The connection and directive are kept."),
		mcp.WithIdempotentHintAnnotation(true),
	)
	s.AddTool(clearTool, withSession(deps, func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Chat.ClearHistory(ctx, sessionID); err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, fmt.Errorf("clear history failed: %w", err)
		}
		return jsonResult(map[string]bool{"cleared": true})
	}))
}

func registerSchemaTool(s *server.MCPServer, deps *ChatToolDeps) {
	tool := mcp.NewTool(
		"get_schema",
		mcp.WithDescription("Return the schema snapshot discovered on connect: tables, columns, keys and approximate row counts."),
		mcp.WithString("format", mcp.Enum("json", "yaml"), mcp.Description("Output format (default: json)")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
	)

	s.AddTool(tool, withSession(deps, func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snapshot, err := deps.Chat.GetSchema(ctx, sessionID)
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, fmt.Errorf("get schema failed: %w", err)
		}

		switch format := req.GetString("format", "json"); format {
		case "json":
			return jsonResult(snapshot)
		case "yaml":
			out, err := yaml.Marshal(snapshot)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal schema: %w", err)
			}
			return mcp.NewToolResultText(string(out)), nil
		default:
			return NewErrorResult("invalid_input", fmt.Sprintf("unknown format %q", format)), nil
		}
	}))
}

func registerStatusTool(s *server.MCPServer, deps *ChatToolDeps) {
	tool := mcp.NewTool(
		"status",
		mcp.WithDescription("Report whether this session is connected, to which database, and whether a directive is set."),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	s.AddTool(tool, withSession(deps, func(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(deps.Chat.Status(ctx, sessionID))
	}))
}
