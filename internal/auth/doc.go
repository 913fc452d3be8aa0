// Package auth authenticates chat connections and API calls.
//
// # Credentials
//
// A client presents a JWT signed with HS256 using the configured jwt_secret.
// The token is looked up, in order, from:
//
//   - the "token" query parameter (the connection's auth payload)
//   - an "Authorization: Bearer <token>" header
//   - the configured cookie (default "token")
//
// The user ID is read from the "sub" claim, or "id" for older tokens.
//
// # Authenticator
//
// Authenticator combines token verification with a user lookup:
//
//	authn := NewAuthenticator(verifier, store, "token")
//	user, err := authn.AuthenticateRequest(r)
//
// Every failure (missing token, bad signature, expired token, unknown user)
// is returned as a chaterr authentication error so the websocket gateway can
// reject the handshake before any presence or room state is touched.
//
// # HTTP
//
// HTTPAuthMiddleware wraps API handlers and stores the caller in the request
// context, retrievable with UserFromContext.
package auth
