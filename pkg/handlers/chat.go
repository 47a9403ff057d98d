package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/auth"
	"github.com/ekaya-inc/ekaya-askdb/pkg/logging"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
	"github.com/ekaya-inc/ekaya-askdb/pkg/services"
)

// ConnectResponse is the data of a successful connect.
type ConnectResponse struct {
	DatasourceType string   `json:"datasource_type"`
	Database       string   `json:"database"`
	TableCount     int      `json:"table_count"`
	Tables         []string `json:"tables"`
	Welcome        string   `json:"welcome"`
}

// DirectiveRequest is the body of POST /api/directive.
type DirectiveRequest struct {
	Directive string `json:"directive" validate:"required,max=2000"`
}

// DirectiveResponse is the data of GET /api/directive.
type DirectiveResponse struct {
	Directive string `json:"directive"`
	Active    bool   `json:"active"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
}

// HistoryResponse is the data of GET /api/chat/history.
type HistoryResponse struct {
	Turns []models.ConversationTurn `json:"turns"`
}

// ChatHandler serves the session-scoped chat API.
type ChatHandler struct {
	chat   services.ChatService
	logger *zap.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat services.ChatService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		chat:   chat,
		logger: logger,
	}
}

// RegisterRoutes registers the chat routes. Every route runs with a session
// identity from the cookie middleware.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/connect", authMiddleware.RequireSession(h.Connect))
	mux.HandleFunc("POST /api/disconnect", authMiddleware.RequireSession(h.Disconnect))
	mux.HandleFunc("GET /api/status", authMiddleware.RequireSession(h.Status))

	mux.HandleFunc("POST /api/directive", authMiddleware.RequireSession(h.SetDirective))
	mux.HandleFunc("GET /api/directive", authMiddleware.RequireSession(h.GetDirective))
	mux.HandleFunc("DELETE /api/directive", authMiddleware.RequireSession(h.ClearDirective))

	mux.HandleFunc("POST /api/chat", authMiddleware.RequireSession(h.Ask))
	mux.HandleFunc("GET /api/chat/history", authMiddleware.RequireSession(h.History))
	mux.HandleFunc("DELETE /api/chat/clear", authMiddleware.RequireSession(h.ClearHistory))
}

// Connect handles POST /api/connect.
func (h *ChatHandler) Connect(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req models.ConnectionRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.chat.Connect(r.Context(), sessionID, &req)
	if err != nil {
		h.logger.Warn("Connect failed",
			zap.String("session_id", sessionID),
			zap.String("type", req.Type),
			zap.String("error", logging.SanitizeError(err)))
		writeServiceError(w, h.logger, err, http.StatusBadRequest, "connection_failed")
		return
	}

	response := ConnectResponse{
		DatasourceType: req.Type,
		Database:       req.Database,
		TableCount:     len(res.Snapshot.Tables),
		Tables:         res.Snapshot.TableNames(),
		Welcome:        res.Welcome,
	}
	if err := WriteSuccess(w, response, "Connected"); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Disconnect handles POST /api/disconnect.
func (h *ChatHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	if err := h.chat.Disconnect(r.Context(), sessionID); err != nil {
		h.logger.Error("Disconnect failed", zap.String("session_id", sessionID), zap.Error(err))
		writeServiceError(w, h.logger, err, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := WriteSuccess(w, nil, "Disconnected"); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Status handles GET /api/status. It never fails: a missing session is
// reported as not connected.
func (h *ChatHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	if err := WriteSuccess(w, h.chat.Status(r.Context(), sessionID), ""); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// SetDirective handles POST /api/directive.
func (h *ChatHandler) SetDirective(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req DirectiveRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.chat.SetDirective(r.Context(), sessionID, req.Directive); err != nil {
		writeServiceError(w, h.logger, err, http.StatusInternalServerError, "internal_error")
		return
	}

	directive, err := h.chat.GetDirective(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := WriteSuccess(w, DirectiveResponse{Directive: directive, Active: true}, "Directive set"); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// GetDirective handles GET /api/directive.
func (h *ChatHandler) GetDirective(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	directive, err := h.chat.GetDirective(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := WriteSuccess(w, DirectiveResponse{Directive: directive, Active: directive != ""}, ""); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// ClearDirective handles DELETE /api/directive.
func (h *ChatHandler) ClearDirective(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	if err := h.chat.ClearDirective(r.Context(), sessionID); err != nil {
		writeServiceError(w, h.logger, err, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := WriteSuccess(w, nil, "Directive cleared"); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Ask handles POST /api/chat. Pipeline failures come back as
// {"success": false, "error": ...} with status 200: the request itself was
// fine, the question could not be answered.
func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.chat.Ask(r.Context(), sessionID, req.Message)
	if err != nil {
		writeServiceError(w, h.logger, err, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := WriteJSON(w, http.StatusOK, res); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// History handles GET /api/chat/history.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	turns, err := h.chat.GetHistory(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := WriteSuccess(w, HistoryResponse{Turns: turns}, ""); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// ClearHistory handles DELETE /api/chat/clear.
func (h *ChatHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	if err := h.chat.ClearHistory(r.Context(), sessionID); err != nil {
		writeServiceError(w, h.logger, err, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := WriteSuccess(w, nil, "Conversation history cleared"); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *ChatHandler) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	return requireSession(w, r, h.logger)
}

func requireSession(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	sessionID, err := auth.RequireSessionIDFromContext(r.Context())
	if err != nil {
		writeError(w, logger, http.StatusUnauthorized, "no_session", "No session")
		return "", false
	}
	return sessionID, true
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// writeServiceError maps chat service errors to HTTP statuses. Unknown
// errors use fallbackStatus and fallbackCode with a sanitized message.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error, fallbackStatus int, fallbackCode string) {
	var discErr *apperrors.SchemaDiscoveryError
	switch {
	case errors.Is(err, apperrors.ErrNotConnected):
		writeError(w, logger, http.StatusConflict, "not_connected", "Not connected to a database. Connect first.")
	case errors.Is(err, apperrors.ErrRequestInProgress):
		writeError(w, logger, http.StatusConflict, "request_in_progress", "A question is already being answered for this session.")
	case errors.Is(err, apperrors.ErrRateLimited):
		writeError(w, logger, http.StatusTooManyRequests, "rate_limited", "Too many questions. Please wait a moment.")
	case errors.Is(err, apperrors.ErrInvalidInput):
		writeError(w, logger, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, apperrors.ErrUnsupportedDatasource):
		writeError(w, logger, http.StatusBadRequest, "unsupported_datasource", err.Error())
	case errors.Is(err, apperrors.ErrConnectionLimit):
		writeError(w, logger, http.StatusServiceUnavailable, "connection_limit", "The server has reached its connection limit. Try again later.")
	case errors.As(err, &discErr):
		writeError(w, logger, http.StatusBadGateway, "schema_discovery_failed", "Connected, but the schema could not be read: "+logging.SanitizeError(discErr.Err))
	default:
		writeError(w, logger, fallbackStatus, fallbackCode, logging.SanitizeError(err))
	}
}
