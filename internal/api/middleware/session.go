package middleware

import (
	"context"
	"net/http"

	"github.com/modelgate/modelgate/internal/auth"
)

type contextKey string

const userKey contextKey = "user"

// Session resolves the optional session cookie into a caller identity.
// Missing or invalid cookies leave the request anonymous.
func Session(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cookie, err := r.Cookie(auth.CookieName); err == nil {
				if userID, err := svc.Validate(cookie.Value); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), userKey, userID))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUser returns the authenticated user id, or "" for anonymous callers.
func GetUser(ctx context.Context) string {
	if userID, ok := ctx.Value(userKey).(string); ok {
		return userID
	}
	return ""
}
