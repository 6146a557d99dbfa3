package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	apiKeyPrefix = "Api-Key "
	bearerPrefix = "Bearer "
)

type contextKey int

const userIDKey contextKey = iota

// CheckAPIKey reports whether an Authorization value of the form
// "Api-Key <key>" carries exactly key.
func CheckAPIKey(header, key string) bool {
	if key == "" || !strings.HasPrefix(header, apiKeyPrefix) {
		return false
	}
	given := strings.TrimPrefix(header, apiKeyPrefix)
	return subtle.ConstantTimeCompare([]byte(given), []byte(key)) == 1
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	return token, token != ""
}

// WithUserID stores the authenticated user ID in ctx.
func WithUserID(ctx context.Context, userID uint) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the user ID stored by RequireUser.
func UserIDFromContext(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(userIDKey).(uint)
	return id, ok
}

// RequireAPIKey rejects requests without the collector API key. onDenied
// writes the rejection response.
func RequireAPIKey(key string, onDenied http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !CheckAPIKey(r.Header.Get("Authorization"), key) {
				w.Header().Set("WWW-Authenticate", "Api-Key")
				onDenied(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser rejects requests without a valid bearer token and stores the
// token's user ID in the request context.
func RequireUser(issuer *TokenIssuer, onDenied http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				onDenied(w, r)
				return
			}
			userID, err := issuer.Verify(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				onDenied(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
