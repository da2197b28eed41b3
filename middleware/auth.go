package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const UserIDContextKey contextKey = "user_id"

// Session reports the signed-in user, or "" when signed out.
type Session interface {
	UserID() string
}

// RequireSession rejects requests while no user is signed in and adds the
// user id to the request context.
func RequireSession(s Session) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := s.UserID()
			if userID == "" {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error": "No active session"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext retrieves the user id stored by RequireSession
func UserIDFromContext(r *http.Request) string {
	userID, _ := r.Context().Value(UserIDContextKey).(string)
	return userID
}
