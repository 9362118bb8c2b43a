// Package middleware provides net/http adapters for the engine: a bearer
// guard for access tokens and a CSRF filter for state-changing requests.
package middleware

import (
	"context"
	"net/http"
	"strings"

	villenauth "github.com/rahulkumar-andc/villen-auth"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the verified access claims attached by [Guard].
func ClaimsFromContext(ctx context.Context) (*villenauth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*villenauth.Claims)
	return claims, ok
}

// Guard rejects requests without a valid bearer access token and attaches
// the verified claims to the request context. minRole is enforced after
// verification; pass villenauth.RoleUser to accept any authenticated user.
func Guard(engine *villenauth.Engine, minRole villenauth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.VerifyAccess(r.Context(), token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !claims.Role.AtLeast(minRole) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
