package auth

import (
	"net/url"
)

// CookieSettings contains cookie security settings derived from base URL.
type CookieSettings struct {
	// Secure indicates whether the cookie should only be sent over HTTPS.
	Secure bool
}

// DeriveCookieSettings determines cookie security from the base URL:
//   - http://localhost:3443 → Secure: false
//   - https://askdb.example.com → Secure: true
//
// forceSecure overrides the derivation for deployments behind a TLS
// terminating proxy that still advertise an http base URL.
func DeriveCookieSettings(baseURL string, forceSecure bool) CookieSettings {
	if forceSecure {
		return CookieSettings{Secure: true}
	}
	return CookieSettings{Secure: isHTTPS(baseURL)}
}

// isHTTPS determines if the given base URL uses HTTPS protocol.
// Returns true for HTTPS, false for HTTP, true for empty/invalid URLs (safe default).
func isHTTPS(baseURL string) bool {
	if baseURL == "" {
		return true
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return true
	}

	return parsedURL.Scheme != "http"
}
