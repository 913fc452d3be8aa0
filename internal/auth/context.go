// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithUser/UserFromContext for propagating the caller via context

package auth

import (
	"context"

	"github.com/2389/chat-gateway/internal/store"
)

// userContextKey is the key type for storing the caller in context.Context.
type userContextKey struct{}

// WithUser returns a new context with the authenticated user attached.
func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves the authenticated user, returning nil if not present.
func UserFromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(userContextKey{}).(*store.User)
	return user
}

// MustUserFromContext retrieves the authenticated user, panicking if not present.
func MustUserFromContext(ctx context.Context) *store.User {
	user := UserFromContext(ctx)
	if user == nil {
		panic("auth: user not found in context")
	}
	return user
}
