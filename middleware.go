package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

const principalKey contextKey = "principal"

func principalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// BearerAuth is the resource guard. It resolves the Authorization header to
// a principal and attaches it to the request context. A request with no
// token at all gets a bare 401; a bad or expired token gets invalid_token.
func (a *App) BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			guardResult("missing")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token == "" {
			guardResult("rejected")
			writeOAuthError(w, errAccessToken)
			return
		}
		ctx, cancel := a.storageCtx()
		defer cancel()
		p, err := a.authenticate(ctx, token)
		if err != nil {
			guardResult("rejected")
			writeOAuthError(w, err)
			return
		}
		guardResult("ok")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// RequireScope gates a handler on the principal holding every element of
// the given space-delimited scope.
func (a *App) RequireScope(required string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok || !verifyScope(p.Scope, required) {
			writeOAuthError(w, errAccessToken)
			return
		}
		next(w, r)
	}
}

// RateLimiter keys limiters by public client id.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	perMin   int
	mu       sync.RWMutex
}

func NewRateLimiter(perMin int) *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter), perMin: perMin}
}

func (rl *RateLimiter) getLimiter(clientID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[clientID]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		limiter, exists = rl.limiters[clientID]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(rl.perMin)/60, rl.perMin)
			rl.limiters[clientID] = limiter
		}
		rl.mu.Unlock()
	}
	return limiter
}

// RateLimit throttles the token endpoint per client_id. Requests without a
// client_id fall through; they fail request validation anyway.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		clientID := r.PostForm.Get("client_id")
		if clientID != "" && !a.rateLimiter.getLimiter(clientID).Allow() {
			writeJSON(w, http.StatusTooManyRequests,
				&OAuthError{codeInvalidRequest, "Rate limit exceeded."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging logs requests with status, latency and a request id.
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.Printf("[%s] %s %s %d %v (req: %s)", r.Method, r.URL.Path, r.RemoteAddr,
			wrapped.statusCode, time.Since(start), reqID)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// CORS handles preflight and standard CORS headers.
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders adds standard security headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		query := r.URL.Query()
		if query.Has("access_token") {
			// bearer tokens in query strings end up in logs; reject outright
			writeOAuthError(w, invalidRequest("Tokens must not be passed in the query string."))
			return
		}
		next.ServeHTTP(w, r)
	})
}
