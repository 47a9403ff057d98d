package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Middleware resolves the session identity for every chat request.
type Middleware struct {
	sessions *SessionStore
	logger   *zap.Logger
}

// NewMiddleware creates a new session middleware.
func NewMiddleware(sessions *SessionStore, logger *zap.Logger) *Middleware {
	return &Middleware{
		sessions: sessions,
		logger:   logger,
	}
}

// RequireSession ensures the request carries a session cookie, issuing one
// if needed, and puts the session ID and client IP in the context.
func (m *Middleware) RequireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := m.sessions.SessionID(w, r)
		if err != nil {
			m.logger.Error("Failed to issue session cookie", zap.Error(err))
			m.internalError(w, "Could not establish a session")
			return
		}

		ctx := WithSessionID(r.Context(), sessionID)
		ctx = WithClientIP(ctx, ClientIP(r))
		next(w, r.WithContext(ctx))
	}
}

// internalError returns a 500 response with JSON error body.
func (m *Middleware) internalError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}
