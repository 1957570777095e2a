package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/eduvision/ev-presence/internal/tokens"
)

type claimsKey struct{}

// WithClaims and ClaimsFrom pass validated token claims through the request
// context.
func WithClaims(ctx context.Context, c *tokens.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func ClaimsFrom(ctx context.Context) (*tokens.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*tokens.Claims)
	return c, ok
}

// Auth guards routes with the JWT manager. Disabled mode passes everything
// through, which is the default for single-box deployments on a trusted
// network. Tokens arrive as a Bearer header or, for websocket clients that
// can't set headers, a ?token= query parameter.
type Auth struct {
	Tokens  *tokens.Manager
	Enabled bool
}

func (a *Auth) extract(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Require validates the token and injects claims. No-op when auth is off.
func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.Tokens.Validate(a.extract(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireOperator additionally demands the operator role; viewers can watch
// but not mutate.
func (a *Auth) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.Tokens.Validate(a.extract(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.Role != tokens.RoleOperator {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
