package middleware

import (
	"net/http"
	"strings"
)

const (
	// DefaultStandardMaxBodyBytes is the default max request body for API requests (64KB).
	DefaultStandardMaxBodyBytes = 64 * 1024
	// DefaultClusterMaxBodyBytes is the max request body for cluster registration, which
	// carries a kubeconfig (2MB).
	DefaultClusterMaxBodyBytes = 2 * 1024 * 1024
)

// MaxBodySize returns middleware that limits request body size: clusterMax for POST .../clusters, standardMax otherwise.
// GET/HEAD/DELETE bodies are not limited.
func MaxBodySize(standardMax, clusterMax int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || (r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch) {
				next.ServeHTTP(w, r)
				return
			}
			max := standardMax
			if strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/clusters") {
				max = clusterMax
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}
