package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficmon/internal/auth"
)

func protected(t *testing.T, a *auth.Authenticator) http.Handler {
	t.Helper()
	return RequireOperator(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := OperatorFromContext(r.Context()); claims != nil {
			w.Header().Set("X-User", claims.Operator())
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestOperatorFromEmptyContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, OperatorFromContext(req.Context()))
}

func TestRequireOperatorDisabledPassesThrough(t *testing.T) {
	h := protected(t, auth.NewAuthenticator(auth.Config{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/incidents", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequireOperator(t *testing.T) {
	a := auth.NewAuthenticator(auth.Config{Enabled: true, Username: "ops", Password: "pw", JWTSecret: "k"})
	token, err := a.Login("ops", "pw")
	require.NoError(t, err)
	h := protected(t, a)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"empty bearer", "Bearer   ", http.StatusUnauthorized},
		{"valid", "Bearer " + token.Value, http.StatusNoContent},
		{"lowercase scheme", "bearer " + token.Value, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/incidents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), CodeUnauthorized)
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			} else {
				assert.Equal(t, "ops", rec.Header().Get("X-User"))
			}
		})
	}
}
