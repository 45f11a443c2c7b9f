package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/go-chi/render"
)

type contextKey string

const UserContextKey = contextKey("user")

// TokenParser resolves a bearer token to the identity it carries.
type TokenParser func(token string) (*core.User, error)

// UserFromContext returns the identity stored by the auth middleware.
func UserFromContext(ctx context.Context) (*core.User, bool) {
	user, ok := ctx.Value(UserContextKey).(*core.User)
	return user, ok && user != nil
}

// UserID returns the identity's id, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if user, ok := UserFromContext(ctx); ok {
		return user.ID
	}
	return ""
}

// WithUser stores user in ctx.
func WithUser(ctx context.Context, user *core.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// AuthJWT rejects requests without a valid bearer token.
func AuthJWT(parse TokenParser) func(http.Handler) http.Handler {
	return authJWT(parse, true)
}

// OptionalAuthJWT lets requests without an Authorization header through as
// anonymous. A header that is present must still be valid.
func OptionalAuthJWT(parse TokenParser) func(http.Handler) http.Handler {
	return authJWT(parse, false)
}

func authJWT(parse TokenParser, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if !required {
					next.ServeHTTP(w, r)
					return
				}
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header is required"})
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header format must be Bearer {token}"})
				return
			}

			user, err := parse(parts[1])
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
