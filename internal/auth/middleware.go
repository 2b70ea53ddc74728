package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/onnwee/gatekeep/internal/middleware"
)

// claimsKey is the context key for validated claims.
type claimsKey struct{}

// GetClaims retrieves the validated claims from context. Returns nil if the
// request was not authenticated.
func GetClaims(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsKey{}).(*Claims); ok {
		return claims
	}
	return nil
}

// RequireAdmin returns middleware that rejects requests without a valid
// admin access token in the Authorization header. On success the claims go
// into the request context and the subject is recorded as the acting
// operator for request logging.
func RequireAdmin(svc *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(svc, r)
			if err != nil {
				unauthorized(w, r)
				return
			}
			if claims.Type != TokenTypeAccess || !claims.IsAdmin() {
				forbidden(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = middleware.SetActor(ctx, claims.Subject)
			middleware.UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(svc *JWTService, r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrInvalidToken
	}
	return svc.ValidateToken(strings.TrimPrefix(header, prefix))
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	*r = *r.WithContext(middleware.SetErrorCode(r.Context(), "unauthorized"))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"authentication required"}}`))
}

func forbidden(w http.ResponseWriter, r *http.Request) {
	*r = *r.WithContext(middleware.SetErrorCode(r.Context(), "forbidden"))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":{"code":"forbidden","message":"admin access required"}}`))
}
