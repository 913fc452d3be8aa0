// ABOUTME: Credential extraction from websocket handshakes and HTTP requests
// ABOUTME: Checks the auth token parameter, then the Bearer header, then the token cookie

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// DefaultCookieName is the cookie checked when none is configured
const DefaultCookieName = "token"

// ErrMissingToken is returned when no credential source carries a token
var ErrMissingToken = errors.New("authentication token missing")

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractToken finds the credential on a handshake or API request.
// Browsers cannot set headers on websocket upgrades, so the "token" query
// parameter (the connection's auth payload) is consulted first.
func ExtractToken(r *http.Request, cookieName string) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token, nil
	}

	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}

	return "", ErrMissingToken
}
