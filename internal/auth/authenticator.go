// ABOUTME: Authenticator resolving handshake credentials to a stored user
// ABOUTME: Every failure is reported as a chaterr authentication error

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/chat-gateway/internal/chaterr"
	"github.com/2389/chat-gateway/internal/store"
)

// UserLookup is the slice of the store the authenticator needs
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Authenticator verifies tokens and confirms the user still exists.
type Authenticator struct {
	verifier   TokenVerifier
	users      UserLookup
	cookieName string
}

// NewAuthenticator creates an Authenticator. An empty cookieName uses DefaultCookieName.
func NewAuthenticator(verifier TokenVerifier, users UserLookup, cookieName string) *Authenticator {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Authenticator{verifier: verifier, users: users, cookieName: cookieName}
}

// Authenticate resolves a raw token to its user.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, chaterr.Authentication("authenticate", ErrMissingToken)
	}

	userID, err := a.verifier.Verify(token)
	if err != nil {
		return nil, chaterr.Authentication("verify token", err)
	}

	user, err := a.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.Authentication("load user", fmt.Errorf("user %s not found", userID))
	}
	if err != nil {
		// Storage trouble still rejects the handshake; nothing has been admitted yet
		return nil, chaterr.Authentication("load user", err)
	}
	return user, nil
}

// AuthenticateRequest extracts the token from r and authenticates it.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*store.User, error) {
	token, err := ExtractToken(r, a.cookieName)
	if err != nil {
		return nil, chaterr.Authentication("extract token", err)
	}
	return a.Authenticate(r.Context(), token)
}
