// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Resolves the caller from header, query or cookie and adds it to the request context

package auth

import (
	"net/http"
)

// HTTPAuthMiddleware creates an HTTP middleware that authenticates the caller
// and attaches the user to the request context.
func HTTPAuthMiddleware(authn *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := authn.AuthenticateRequest(r)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
