package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/kubilitics/kubilitics-shellgate/internal/auth"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/validate"
)

// APIKey requires "Authorization: Bearer <key>" from the glue in front of the gateway.
// A disabled verifier skips the check (dev only). /health and /metrics stay open.
func APIKey(keys *auth.KeyVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !keys.Enabled() || r.URL.Path == "/health" || r.URL.Path == "/metrics" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if !keys.Verify(extractBearer(r)) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid or missing API key","code":"UNAUTHORIZED"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// UserHeader carries the caller identity asserted by the authenticated glue.
const UserHeader = "X-Shellgate-User"

type callerKey struct{}

// Caller requires UserHeader on /api/ routes and stores the identity in the context.
func Caller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if !validate.UserID(user) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"missing caller identity","code":"UNAUTHORIZED"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), user)))
	})
}

// WithCaller returns a context carrying the caller identity.
func WithCaller(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, callerKey{}, user)
}

// CallerFromContext returns the caller identity, or "".
func CallerFromContext(ctx context.Context) string {
	u, _ := ctx.Value(callerKey{}).(string)
	return u
}
