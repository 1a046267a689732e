package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/tjfontaine/polyglot-token-pool/internal/auth"
)

type adminClaimsKey struct{}

// AdminAuthMiddleware requires a valid admin bearer token.
// If the authenticator is nil, the middleware is a no-op.
func AdminAuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authenticator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.ExtractBearerToken(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				http.Error(w, "Missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := authenticator.Validate(token)
			if err != nil {
				AddError(r.Context(), err)
				msg := "Invalid admin token"
				if errors.Is(err, auth.ErrTokenExpired) {
					msg = "Admin token expired"
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin", error="invalid_token"`)
				http.Error(w, msg, http.StatusUnauthorized)
				return
			}

			AddLogField(r.Context(), "admin", claims.Subject)
			ctx := context.WithValue(r.Context(), adminClaimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdminClaims retrieves the admin claims from context.
// Returns nil if the request was not authenticated.
func GetAdminClaims(ctx context.Context) *auth.Claims {
	if c, ok := ctx.Value(adminClaimsKey{}).(*auth.Claims); ok {
		return c
	}
	return nil
}
