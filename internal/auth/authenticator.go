package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/types"
)

const (
	TokenCookieKey = "token"
	tokenQueryKey  = "token"
)

type UserStore interface {
	GetUserById(ctx context.Context, id string) (types.User, error)
}

// Authenticator resolves a bearer credential to the user it was issued for.
type Authenticator struct {
	tokens *TokenIssuer
	users  UserStore
}

func NewAuthenticator(tokens *TokenIssuer, users UserStore) *Authenticator {
	return &Authenticator{
		tokens: tokens,
		users:  users,
	}
}

// Authenticate validates tokenString and loads its user. Credential failures
// wrap one of the package's Err*Token / ErrUnknownUser values; any other
// error is a store failure.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (types.User, error) {
	userId, err := a.tokens.Parse(tokenString)
	if err != nil {
		return types.User{}, err
	}

	user, err := a.users.GetUserById(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.User{}, fmt.Errorf("%w: %q", ErrUnknownUser, userId)
		}
		return types.User{}, fmt.Errorf("get user: %w", err)
	}

	return user, nil
}

// IsAuthError reports whether err is a credential failure as opposed to an
// infrastructure error.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrUnknownUser)
}

// TokenFromRequest looks for a token in the Authorization header, then the
// token query parameter, then the token cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token
	}

	if c, err := r.Cookie(TokenCookieKey); err == nil {
		return c.Value
	}

	return ""
}
