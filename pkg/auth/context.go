// Package auth issues and resolves the anonymous browser session that scopes
// every chat operation. The session identity travels in a signed cookie and
// is put on the request context by Middleware.RequireSession.
//
// Example usage in a handler:
//
//	func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
//	    sessionID, err := auth.RequireSessionIDFromContext(r.Context())
//	    if err != nil {
//	        // middleware not installed
//	    }
//	    result := h.chat.Ask(r.Context(), sessionID, question)
//	    // ...
//	}
package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	clientIPKey  contextKey = "client_ip"
)

// WithSessionID returns a context carrying the session identity.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// GetSessionIDFromContext returns the session ID, or "" when absent.
func GetSessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// RequireSessionIDFromContext returns the session ID or an error if it is missing.
func RequireSessionIDFromContext(ctx context.Context) (string, error) {
	id := GetSessionIDFromContext(ctx)
	if id == "" {
		return "", fmt.Errorf("session ID not found in context")
	}
	return id, nil
}

// WithClientIP returns a context carrying the caller's address for audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// GetClientIPFromContext returns the caller's address, or "".
func GetClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// ClientIP extracts the caller's address, preferring the first
// X-Forwarded-For hop when the server runs behind a proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
