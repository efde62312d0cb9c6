package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_Authenticate(t *testing.T) {
	ti := NewTokenIssuer(testKey, time.Hour)
	token, _, err := ti.Issue("user-1")
	require.NoError(t, err)

	user := types.User{Id: "user-1", Username: "alice", Presence: types.PresenceOffline}

	tcases := []struct {
		name     string
		token    string
		mockUser types.User
		mockErr  error
		callRepo bool
		authErr  error
		infraErr bool
	}{
		{
			name:     "valid token",
			token:    token,
			mockUser: user,
			callRepo: true,
		},
		{
			name:    "missing token",
			token:   "",
			authErr: ErrMissingToken,
		},
		{
			name:    "invalid token",
			token:   "abc.def.ghi",
			authErr: ErrInvalidToken,
		},
		{
			name:     "unknown user",
			token:    token,
			mockErr:  database.ErrNotFound,
			callRepo: true,
			authErr:  ErrUnknownUser,
		},
		{
			name:     "store failure",
			token:    token,
			mockErr:  errors.New("connection refused"),
			callRepo: true,
			infraErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &database.MockChatRepository{}
			defer repo.AssertExpectations(t)
			if tc.callRepo {
				repo.On("GetUserById", "user-1").Return(tc.mockUser, tc.mockErr).Once()
			}

			a := NewAuthenticator(ti, repo)
			got, err := a.Authenticate(context.Background(), tc.token)

			switch {
			case tc.authErr != nil:
				assert.ErrorIs(t, err, tc.authErr)
				assert.True(t, IsAuthError(err), "expected credential failure")
			case tc.infraErr:
				assert.Error(t, err)
				assert.False(t, IsAuthError(err), "expected store failure not to be a credential failure")
			default:
				assert.NoError(t, err)
				assert.Equal(t, user, got)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		expected string
	}{
		{
			name:     "no token",
			setup:    func(r *http.Request) {},
			expected: "",
		},
		{
			name: "bearer header",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer header-token")
				r.AddCookie(&http.Cookie{Name: TokenCookieKey, Value: "cookie-token"})
			},
			expected: "header-token",
		},
		{
			name: "non bearer header falls through to cookie",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
				r.AddCookie(&http.Cookie{Name: TokenCookieKey, Value: "cookie-token"})
			},
			expected: "cookie-token",
		},
		{
			name: "query parameter",
			setup: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("token", "query-token")
				r.URL.RawQuery = q.Encode()
				r.AddCookie(&http.Cookie{Name: TokenCookieKey, Value: "cookie-token"})
			},
			expected: "query-token",
		},
		{
			name: "cookie",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: TokenCookieKey, Value: "cookie-token"})
			},
			expected: "cookie-token",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.setup(req)
			assert.Equal(t, tc.expected, TokenFromRequest(req))
		})
	}
}
