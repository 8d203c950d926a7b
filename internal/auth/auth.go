package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrForbidden    = errors.New("token scope not permitted")
)

// Authenticator guards the alert subscription endpoints.
type Authenticator struct {
	enabled bool
	tokens  *TokenManager
}

// NewAuthenticator returns an authenticator. When disabled every request
// is accepted.
func NewAuthenticator(enabled bool, tokens *TokenManager) *Authenticator {
	return &Authenticator{enabled: enabled, tokens: tokens}
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates the request's token. Browsers cannot set headers
// on a websocket handshake, so a token query parameter is accepted too.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	if !a.enabled {
		return nil, nil
	}

	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return nil, ErrInvalidToken
		}
		token = parts[1]
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if claims.Scope != ScopeSubscribe && claims.Scope != ScopeService {
		return nil, ErrForbidden
	}
	return claims, nil
}
