// Package middleware composes the HTTP middleware stack of the dev server.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/conneroisu/exthmr/internal/logging"
)

// MiddlewareChain manages the HTTP middleware stack.
//
// Middlewares wrap in order of addition: the first added is the outermost,
// so a request flows through them in the order they were added.
//
// Invariants:
// - middlewares slice is never nil (can be empty)
// - Apply() is safe for concurrent access (read-only operation)
// - no middleware wraps the ResponseWriter, so websocket upgrades can hijack
type MiddlewareChain struct {
	logger      logging.Logger
	origins     []string
	middlewares []Middleware
}

// Middleware represents a single middleware function
type Middleware func(http.Handler) http.Handler

// MiddlewareDependencies contains all dependencies needed for middleware construction
type MiddlewareDependencies struct {
	Logger logging.Logger
	// AllowedOrigins are exact origins or scheme prefixes such as
	// "chrome-extension://" allowed to make cross-origin requests
	AllowedOrigins []string
}

// DefaultAllowedOrigins are the extension page schemes.
var DefaultAllowedOrigins = []string{"chrome-extension://", "moz-extension://", "safari-web-extension://"}

// NewMiddlewareChain creates a chain with the standard stack: recovery,
// logging, CORS and security headers.
func NewMiddlewareChain(deps MiddlewareDependencies) *MiddlewareChain {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}

	chain := &MiddlewareChain{
		logger:      logger.WithComponent("http"),
		origins:     origins,
		middlewares: make([]Middleware, 0, 4),
	}
	chain.buildDefaultStack()
	return chain
}

func (mc *MiddlewareChain) buildDefaultStack() {
	mc.AddMiddleware(mc.createRecoveryMiddleware())
	mc.AddMiddleware(mc.createLoggingMiddleware())
	mc.AddMiddleware(mc.createCORSMiddleware())
	mc.AddMiddleware(SecurityHeaders)
}

// AddMiddleware adds a middleware to the inner end of the chain
func (mc *MiddlewareChain) AddMiddleware(middleware Middleware) {
	mc.middlewares = append(mc.middlewares, middleware)
}

// GetMiddlewareCount returns the number of middlewares in the chain
func (mc *MiddlewareChain) GetMiddlewareCount() int {
	return len(mc.middlewares)
}

// Apply wraps handler with every middleware in the chain.
func (mc *MiddlewareChain) Apply(handler http.Handler) http.Handler {
	if handler == nil {
		panic("MiddlewareChain.Apply: handler cannot be nil")
	}

	wrapped := handler
	for i := len(mc.middlewares) - 1; i >= 0; i-- {
		middleware := mc.middlewares[i]
		if middleware == nil {
			panic(fmt.Sprintf("MiddlewareChain.Apply: middleware at index %d is nil", i))
		}
		wrapped = middleware(wrapped)
	}
	return wrapped
}

// createLoggingMiddleware logs method, path and duration of every request
func (mc *MiddlewareChain) createLoggingMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			mc.logger.Debug(r.Context(), "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start).String())
		})
	}
}

// createRecoveryMiddleware turns handler panics into 500 responses
func (mc *MiddlewareChain) createRecoveryMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					mc.logger.Error(r.Context(), fmt.Errorf("panic: %v", rec), "HTTP handler panicked", "path", r.URL.Path)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// createCORSMiddleware allows extension pages to read the JSON endpoints
func (mc *MiddlewareChain) createCORSMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if mc.ValidateOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateOrigin reports whether origin may make cross-origin requests.
func (mc *MiddlewareChain) ValidateOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range mc.origins {
		if origin == allowed {
			return true
		}
		if strings.HasSuffix(allowed, "://") && strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// SecurityHeaders sets the headers every dev server response carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
