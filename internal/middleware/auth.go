package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/boleia/backend/internal/auth"
	"github.com/boleia/backend/internal/models"
)

type contextKey string

const ctxPrincipalKey contextKey = "principal"

// ErrRoleNotAllowed is returned when a request names a role the token lacks.
var ErrRoleNotAllowed = errors.New("role not allowed for this user")

// TokenValidator is the part of auth.Service the middleware needs.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Principal, error)
}

// BearerAuth validates the Bearer token and stores the caller's principal in
// the request context.
func BearerAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			p, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// PrincipalFromCtx returns the authenticated caller or nil.
func PrincipalFromCtx(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxPrincipalKey).(*auth.Principal)
	return p
}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

// ResolveRole picks the wallet role for a request: the explicit one when
// given and held by the caller, otherwise the caller's default.
func ResolveRole(p *auth.Principal, requested string) (models.Role, error) {
	if requested == "" {
		return p.DefaultRole(), nil
	}
	role := models.Role(requested)
	if !role.Valid() || !p.HasRole(role) {
		return "", ErrRoleNotAllowed
	}
	return role, nil
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	// Browsers cannot set headers on websocket upgrades.
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
