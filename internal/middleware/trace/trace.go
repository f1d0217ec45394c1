package trace

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"finsight/internal/log"
	"finsight/internal/monitoring"
)

// ContextKey type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"

	// RequestIDHeader carries the request id in and out.
	RequestIDHeader = "X-Request-ID"

	maxInboundIDLength = 64
)

// Middleware assigns request ids, writes the access log and records
// latency per route pattern.
type Middleware struct {
	extractIP func(*http.Request) string
	metrics   *monitoring.Metrics
	clock     clockwork.Clock
	counters  *Metrics
}

// Metrics tracks request metrics
type Metrics struct {
	TotalRequests       int64
	AverageResponseTime int64 // in microseconds, of the last request
}

// Option customises the middleware.
type Option func(*Middleware)

func WithMetrics(m *monitoring.Metrics) Option {
	return func(mw *Middleware) { mw.metrics = m }
}

func WithClock(c clockwork.Clock) Option {
	return func(mw *Middleware) {
		if c != nil {
			mw.clock = c
		}
	}
}

// NewMiddleware creates a new trace middleware
func NewMiddleware(extractIP func(*http.Request) string, opts ...Option) *Middleware {
	m := &Middleware{
		extractIP: extractIP,
		clock:     clockwork.NewRealClock(),
		counters:  &Metrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Middleware returns HTTP middleware for request tracing. It expects a
// logger installed by log.Middleware upstream and falls back to the default.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := m.clock.Now()

		clientIP := ""
		if m.extractIP != nil {
			clientIP = m.extractIP(r)
		}

		requestID := inboundRequestID(r)
		if requestID == "" {
			requestID = GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		logger := log.FromContext(ctx).With(log.FieldRequestID, requestID)
		ctx = log.WithContext(ctx, logger)
		r = r.WithContext(ctx)

		logger.DebugContext(ctx, "HTTP request started",
			log.NewFields().
				WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent")).
				WithClientIP(clientIP).
				ToSlice()...)

		atomic.AddInt64(&m.counters.TotalRequests, 1)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := m.clock.Since(start)
		atomic.StoreInt64(&m.counters.AverageResponseTime, duration.Microseconds())

		log.NewStructuredLogger(logger).LogHTTPEnd(ctx, r, rw.statusCode, duration.Milliseconds(), clientIP)
		m.metrics.ObserveHTTP(r.Method, routeOf(r), rw.statusCode, duration)
	})
}

// routeOf labels metrics by mux pattern so path parameters do not explode
// label cardinality.
func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	// "GET /insights/{id}" -> "/insights/{id}"
	if i := strings.IndexByte(r.Pattern, ' '); i >= 0 {
		return r.Pattern[i+1:]
	}
	return r.Pattern
}

func inboundRequestID(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	if id == "" || len(id) > maxInboundIDLength {
		return ""
	}
	for _, c := range id {
		if !(c == '-' || c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return ""
		}
	}
	return id
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// GenerateRequestID creates a unique request ID for tracing
func GenerateRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetMetrics returns current metrics
func (m *Middleware) GetMetrics() Metrics {
	return Metrics{
		TotalRequests:       atomic.LoadInt64(&m.counters.TotalRequests),
		AverageResponseTime: atomic.LoadInt64(&m.counters.AverageResponseTime),
	}
}
