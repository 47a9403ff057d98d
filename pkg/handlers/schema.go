package handlers

import (
	"net/http"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/auth"
	"github.com/ekaya-inc/ekaya-askdb/pkg/services"
)

// SchemaHandler exposes the session's schema snapshot and the supported
// datasource types.
type SchemaHandler struct {
	chat   services.ChatService
	logger *zap.Logger
}

// NewSchemaHandler creates a new schema handler.
func NewSchemaHandler(chat services.ChatService, logger *zap.Logger) *SchemaHandler {
	return &SchemaHandler{chat: chat, logger: logger}
}

// RegisterRoutes registers the schema routes.
func (h *SchemaHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/schema", authMiddleware.RequireSession(h.GetSchema))
	mux.HandleFunc("GET /api/datasource-types", h.ListDatasourceTypes)
}

// GetSchema handles GET /api/schema. ?format=yaml returns the snapshot as YAML.
func (h *SchemaHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSession(w, r, h.logger)
	if !ok {
		return
	}

	snapshot, err := h.chat.GetSchema(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err, http.StatusInternalServerError, "internal_error")
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		if err := WriteSuccess(w, snapshot, ""); err != nil {
			h.logger.Error("Failed to encode schema", zap.Error(err))
		}
	case "yaml":
		out, err := yaml.Marshal(snapshot)
		if err != nil {
			h.logger.Error("Failed to marshal schema as YAML", zap.Error(err))
			writeError(w, h.logger, http.StatusInternalServerError, "internal_error", "Failed to render schema")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		if _, err := w.Write(out); err != nil {
			h.logger.Error("Failed to write schema", zap.Error(err))
		}
	default:
		writeError(w, h.logger, http.StatusBadRequest, "invalid_format", "format must be json or yaml")
	}
}

// ListDatasourceTypes handles GET /api/datasource-types.
func (h *SchemaHandler) ListDatasourceTypes(w http.ResponseWriter, r *http.Request) {
	if err := WriteSuccess(w, datasource.RegisteredAdapters(), ""); err != nil {
		h.logger.Error("Failed to encode datasource types", zap.Error(err))
	}
}
