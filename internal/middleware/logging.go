// Package middleware holds the observability middlewares: request logging
// and per-route Prometheus metrics.
//
// Access control is NOT here. RequireSignIn and the permission gates live in
// internal/auth next to the token code they depend on; these middlewares
// only watch requests go by and never change the response.
//
// Both wrap the ResponseWriter in a statusRecorder and read the result after
// next.ServeHTTP returns, so they see the status the client actually got,
// including the 500 written by chi's Recoverer.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Logger logs one line per request.
//
// Each line includes: request id, method, path, status code, duration and
// bytes written. The level follows the status: 5xx logs at Error, 4xx at
// Warn, everything else at Info. Auth failures are 4xx, so a burst of bad
// logins is visible without turning on debug logging.
//
// Request bodies are never logged: they carry passwords and ID tokens.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "request completed",
				slog.String("requestID", chimiddleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.bytes),
			)
		})
	}
}

// routePattern returns the chi route pattern ("/api/user/login") for r, or
// "unmatched" for 404s so random paths do not create new label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
