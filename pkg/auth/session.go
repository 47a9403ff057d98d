package auth

import (
	"crypto/sha256"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

// SessionName is the name of the chat session cookie.
const SessionName = "askdb-session"

// sessionKeyID is the cookie value holding the session identity.
const sessionKeyID = "sid"

// SessionStore issues signed session cookies that carry a random session ID.
// The cookie holds nothing else: credentials, schema and conversation stay
// server side, keyed by the ID.
type SessionStore struct {
	store *sessions.CookieStore
}

// NewSessionStore creates a cookie store.
//
// The secret parameter is used to sign session cookies. It can be any
// passphrase - it will be SHA-256 hashed to derive a 32-byte key.
// The secret must be consistent across server restarts and multiple
// servers in a load-balanced deployment.
//
// Security settings:
// - HttpOnly: true (inaccessible to JavaScript)
// - SameSite: Lax (sent on top-level navigation, not on cross-site posts)
func NewSessionStore(secret string, settings CookieSettings, maxAge int) *SessionStore {
	key := sha256.Sum256([]byte(secret))

	store := sessions.NewCookieStore(key[:])
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   settings.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &SessionStore{store: store}
}

// SessionID returns the session ID carried by the request cookie, issuing a
// new one (and writing the cookie) when there is none or it fails to verify.
func (s *SessionStore) SessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	// A tampered or expired cookie yields a fresh session and a decode error.
	session, _ := s.store.Get(r, SessionName)

	if id, ok := session.Values[sessionKeyID].(string); ok && id != "" {
		return id, nil
	}

	id := uuid.NewString()
	session.Values[sessionKeyID] = id
	if err := session.Save(r, w); err != nil {
		return "", fmt.Errorf("failed to save session cookie: %w", err)
	}
	return id, nil
}

// Forget expires the session cookie. The next request gets a new identity.
func (s *SessionStore) Forget(w http.ResponseWriter, r *http.Request) error {
	session, _ := s.store.Get(r, SessionName)
	session.Options.MaxAge = -1
	delete(session.Values, sessionKeyID)
	return session.Save(r, w)
}
