// ABOUTME: Tests for credential extraction, the authenticator and the HTTP middleware
// ABOUTME: Uses the in-memory mock store for user lookup

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/chaterr"
	"github.com/2389/chat-gateway/internal/store"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *JWTVerifier, *store.MockStore) {
	t.Helper()
	verifier := newTestVerifier(t)
	users := store.NewMockStore()
	require.NoError(t, users.CreateUser(t.Context(), &store.User{
		ID:        "alice",
		Username:  "alice",
		CreatedAt: time.Now(),
	}))
	return NewAuthenticator(verifier, users, ""), verifier, users
}

func TestExtractToken_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(r *http.Request)
		want   string
		hasErr bool
	}{
		{
			name: "query parameter wins",
			setup: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("token", "from-query")
				r.URL.RawQuery = q.Encode()
				r.Header.Set("Authorization", "Bearer from-header")
				r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
			},
			want: "from-query",
		},
		{
			name: "bearer header before cookie",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer from-header")
				r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
			},
			want: "from-header",
		},
		{
			name: "malformed header falls through to cookie",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic abc")
				r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
			},
			want: "from-cookie",
		},
		{
			name:   "nothing present",
			setup:  func(r *http.Request) {},
			hasErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(req)

			got, err := ExtractToken(req, "")
			if tt.hasErr {
				assert.ErrorIs(t, err, ErrMissingToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractToken_CustomCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})

	got, err := ExtractToken(req, "session")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestAuthenticator_Authenticate(t *testing.T) {
	authn, verifier, _ := newTestAuthenticator(t)

	t.Run("valid token for known user", func(t *testing.T) {
		token, err := verifier.Generate("alice", time.Hour)
		require.NoError(t, err)

		user, err := authn.Authenticate(t.Context(), token)
		require.NoError(t, err)
		assert.Equal(t, "alice", user.ID)
	})

	t.Run("unknown user", func(t *testing.T) {
		token, err := verifier.Generate("ghost", time.Hour)
		require.NoError(t, err)

		_, err = authn.Authenticate(t.Context(), token)
		assert.ErrorIs(t, err, chaterr.ErrAuthentication)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := authn.Authenticate(t.Context(), "")
		assert.ErrorIs(t, err, chaterr.ErrAuthentication)
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := verifier.Generate("alice", -time.Minute)
		require.NoError(t, err)

		_, err = authn.Authenticate(t.Context(), token)
		assert.ErrorIs(t, err, chaterr.ErrAuthentication)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})
}

func TestAuthenticator_StoreFailureRejects(t *testing.T) {
	authn, verifier, users := newTestAuthenticator(t)
	users.FailOn("GetUser", errors.New("disk on fire"))

	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	_, err = authn.Authenticate(t.Context(), token)
	assert.ErrorIs(t, err, chaterr.ErrAuthentication)
}

func TestHTTPAuthMiddleware(t *testing.T) {
	authn, verifier, _ := newTestAuthenticator(t)

	var gotUser *store.User
	handler := HTTPAuthMiddleware(authn)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid bearer token", func(t *testing.T) {
		gotUser = nil
		token, _ := verifier.Generate("alice", time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotUser)
		assert.Equal(t, "alice", gotUser.ID)
	})

	t.Run("missing credentials", func(t *testing.T) {
		gotUser = nil
		req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, gotUser)
	})
}

func TestMustUserFromContext_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustUserFromContext(t.Context())
	})
}
