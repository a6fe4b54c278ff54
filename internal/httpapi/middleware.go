package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskmesh/engine/internal/platform/otelinit"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeySubject
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// logging and metrics, adapted from gateway_v2.go's responseWriter.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// loggingMiddleware assigns a request id, opens a trace span, and logs the
// method/path/status/duration once the handler returns. Mirrors
// gateway_v2.go's loggingMiddleware shape.
func loggingMiddleware(logger *slog.Logger, reqCounter metric.Int64Counter, latencyHist metric.Float64Histogram) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = generateRequestID()
			}
			ctx, end := otelinit.WithSpan(r.Context(), "http."+r.Method+" "+r.URL.Path)
			defer end()
			ctx = context.WithValue(ctx, ctxKeyRequestID, reqID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Request-ID", reqID)

			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			attrs := metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
				attribute.Int("status", rw.status),
			)
			if reqCounter != nil {
				reqCounter.Add(r.Context(), 1, attrs)
			}
			if latencyHist != nil {
				latencyHist.Record(r.Context(), elapsed.Seconds(), attrs)
			}
			logger.Info("http request",
				"request_id", reqID, "method", r.Method, "path", r.URL.Path,
				"status", rw.status, "duration_ms", elapsed.Milliseconds())
		})
	}
}

// authMiddleware requires a valid bearer token for every request it wraps,
// storing the verified subject in the request context. Adapted from
// gateway_v2.go's authMiddleware, upgraded to real JWT verification via
// TokenService instead of the source file's dev-mode substring check.
func authMiddleware(tokens *TokenService, deniedCounter metric.Int64Counter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				recordDenied(r, deniedCounter)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := tokens.Verify(token)
			if err != nil {
				recordDenied(r, deniedCounter)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeySubject, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func recordDenied(r *http.Request, c metric.Int64Counter) {
	if c != nil {
		c.Add(r.Context(), 1)
	}
}

func extractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func subjectFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(ctxKeySubject).(*Claims)
	return c
}

// rateLimitMiddleware enforces a per-key request budget, keyed by
// getRateLimitKey (API-key header, else subject, else remote IP), per
// gateway_v2.go's rateLimitMiddleware.
func rateLimitMiddleware(limiter *PerKeyLimiter, deniedCounter metric.Int64Counter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := getRateLimitKey(r)
			if !limiter.Allow(key) {
				recordDenied(r, deniedCounter)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getRateLimitKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if claims := subjectFromContext(r.Context()); claims != nil {
		return "sub:" + claims.Subject
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return "ip:" + host
}

// chain composes middleware in outer-to-inner application order, so
// chain(h, logging, auth, rateLimit) runs logging first, then auth, then
// rateLimit, then h.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
