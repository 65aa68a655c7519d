// Package middleware provides the small set of http.Handler wrappers
// applied around the S3 API router: panic recovery and baseline security
// headers. Request ID generation, structured request logging, and SigV4
// authentication all live in api.Router.ServeHTTP itself, since they need
// the verified principal and parsed bucket/key that only the router
// computes.
package middleware

import (
	"net/http"

	"go.uber.org/zap"
)

// Recoverer recovers from panics in the wrapped handler, logs them, and
// responds with a generic 500 rather than crashing the server.
func Recoverer(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Errorw("panic recovered", "error", err, "method", r.Method, "path", r.URL.Path)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Headers sets baseline security response headers.
func Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Server", "openendpoints3")
		next.ServeHTTP(w, r)
	})
}

// Chain composes middlewares so the first one listed runs outermost.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Common returns the standard middleware chain wrapped around the API router.
func Common(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return Chain(Headers, Recoverer(log))
}
