package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// Pre-allocated header value slices. Direct map assignment avoids the
// []string{v} alloc that Header.Set creates.
var (
	nosniffVal = []string{"nosniff"}
	denyVal    = []string{"DENY"}
)

const requestIDHeader = "X-Request-Id"
const maxRequestIDLen = 128

// statusWriterPool avoids a heap escape for &statusWriter{} on every request.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{status: http.StatusOK} },
}

// securityHeaders sets defense-in-depth response headers on every request.
func (s *server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h["X-Content-Type-Options"] = nosniffVal
		h["X-Frame-Options"] = denyVal
		next.ServeHTTP(w, r)
	})
}

// recovery catches panics and returns 500 instead of closing the connection.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error", "server_error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID attaches a request ID to the context and response header,
// reusing a valid client-supplied ID or minting a fresh one.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 && isValidRequestID(vals[0]) {
			id = vals[0]
		} else {
			id = uuid.NewString()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isValidRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false

		next.ServeHTTP(sw, r)

		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)

		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// streamMarker lets a handler report, after the fact, whether a request
// turned out to be a stream once its body was decoded. metricsMiddleware
// stashes a pointer to one in the context before calling the handler and
// reads it back after ServeHTTP returns; a pointer is required because the
// handler's r.WithContext(ctx) produces a *http.Request the outer
// middleware never sees, so only a shared, mutated value crosses back.
type streamMarker struct{ stream bool }

type streamMarkerKey struct{}

// markStream records whether the current request is a stream, for the
// enclosing metricsMiddleware to read once the handler returns.
func markStream(r *http.Request, stream bool) {
	if m, ok := r.Context().Value(streamMarkerKey{}).(*streamMarker); ok {
		m.stream = stream
	}
}

// metricsMiddleware records request counts and latency histograms, broken
// down by path, method, status, and whether the request asked to stream.
func (s *server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false

		marker := &streamMarker{}
		ctx := context.WithValue(r.Context(), streamMarkerKey{}, marker)

		s.deps.Metrics.InflightRequests.Inc()
		next.ServeHTTP(sw, r.WithContext(ctx))
		s.deps.Metrics.InflightRequests.Dec()

		stream := strconv.FormatBool(marker.stream)
		s.deps.Metrics.HTTPRequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(sw.status), stream).Inc()
		s.deps.Metrics.HTTPRequestDuration.WithLabelValues(r.URL.Path, r.Method, stream).Observe(time.Since(start).Seconds())

		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// authenticate validates the x-api-key header and injects Identity into
// context for downstream handlers.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.deps.Auth.Authenticate(r.Header)
		if err != nil {
			status := errorStatus(err)
			writeJSON(w, status, errorResponse(err.Error(), errorType(err)))
			return
		}
		ctx := gateway.ContextWithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusWriter wraps ResponseWriter to capture the first HTTP status code
// written, matching net/http semantics where only the first call sticks.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter so SSE streaming works
// through the middleware chain.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
