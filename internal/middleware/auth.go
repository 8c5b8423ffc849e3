package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"trafficmon/internal/auth"
)

// CodeUnauthorized is the error code of rejected requests
const CodeUnauthorized = "UNAUTHORIZED"

type operatorKey struct{}

var (
	errNoCredentials = errors.New("missing bearer token")
	errBadScheme     = errors.New("authorization must use the Bearer scheme")
)

// Verifier validates bearer tokens
type Verifier interface {
	IsEnabled() bool
	Verify(token string) (*auth.Claims, error)
}

var _ Verifier = (*auth.Authenticator)(nil)

// RequireOperator rejects requests without a valid operator token and
// stores the verified claims in the request context. When authentication
// is disabled every request passes.
func RequireOperator(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			raw, err := bearerToken(r)
			if err != nil {
				reject(w, err.Error())
				return
			}
			claims, err := v.Verify(raw)
			if err != nil {
				reject(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), claims)))
		})
	}
}

// bearerToken reads the Authorization header. The scheme is matched
// case-insensitively.
func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errBadScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errNoCredentials
	}
	return token, nil
}

func reject(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="trafficmon"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": CodeUnauthorized, "message": message})
}

// WithOperator returns ctx carrying the verified claims
func WithOperator(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, operatorKey{}, claims)
}

// OperatorFromContext returns the claims stored by RequireOperator, or nil
func OperatorFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(operatorKey{}).(*auth.Claims)
	return claims
}
