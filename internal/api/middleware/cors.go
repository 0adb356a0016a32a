package middleware

import (
	"log/slog"
	"net/http"

	"github.com/rs/cors"
)

// CORS returns the rs/cors handler for the configured origins. Wildcard origins are
// accepted but logged, since every route carries shell output.
func CORS(origins []string, log *slog.Logger) func(http.Handler) http.Handler {
	for _, origin := range origins {
		if origin == "*" {
			log.Warn("CORS wildcard origin configured",
				"origin", origin,
				"risk", "Allows any origin to access API",
				"recommendation", "Use specific origins",
			)
		}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", UserHeader, ResponseRequestIDHeader},
		ExposedHeaders:   []string{ResponseRequestIDHeader, TraceIDHeader},
		AllowCredentials: false,
	})
	return c.Handler
}
