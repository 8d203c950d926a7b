package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"camwatch/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

// ClaimsContextKey stores the caller's token claims in the request context.
const ClaimsContextKey ContextKey = "claims"

// Auth rejects requests the authenticator does not accept.
func Auth(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticator.Authenticate(r)
			if err != nil {
				log.Debug().Str("path", r.URL.Path).Err(err).Msg("request rejected")
				writeAuthError(w, err)
				return
			}
			if claims != nil {
				r = r.WithContext(context.WithValue(r.Context(), ClaimsContextKey, claims))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		http.Error(w, `{"error": "missing token"}`, http.StatusUnauthorized)
	case errors.Is(err, auth.ErrExpiredToken):
		http.Error(w, `{"error": "token has expired"}`, http.StatusUnauthorized)
	case errors.Is(err, auth.ErrForbidden):
		http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
	default:
		http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
	}
}

// ClaimsFromContext retrieves the caller's claims, if authenticated.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(ClaimsContextKey).(*auth.Claims)
	return claims
}
