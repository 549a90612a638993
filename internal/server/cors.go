package server

import (
	"net/http"

	"github.com/rs/cors"
)

// corsMaxAge is how long, in seconds, browsers may cache a preflight result.
const corsMaxAge = 600

// corsMiddleware lets the configured browser origins call the API. A "*"
// entry allows any origin. Preflight requests are answered here and never
// reach authentication.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{headerRequestID},
		MaxAge:         corsMaxAge,
	}).Handler(next)
}
