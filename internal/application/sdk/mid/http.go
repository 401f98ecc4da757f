// Package mid provides app level middleware support.
package mid

import (
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/opstream/pkg/common/logger"
)

// HTTPMiddleware represents a standard Go HTTP middleware function. It wraps an HTTP
// handler and returns a new handler, allowing for pre and post-processing of requests.
type HTTPMiddleware func(http.Handler) http.Handler

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures the status code and passes it to the wrapped ResponseWriter.
func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Write captures a 200 status if WriteHeader hasn't been called yet.
func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps streaming responses working through the wrapper. The bulk
// endpoint flushes after every progress record.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggerHTTP provides a standard HTTP middleware for request logging. It logs the
// start and completion of HTTP requests along with important request metadata
// such as method, path, status code, and duration.
func LoggerHTTP(log *logger.Logger) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()

			sw := &statusWriter{ResponseWriter: w}

			log.Info(ctx, "request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			next.ServeHTTP(sw, r)

			log.Info(ctx, "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"status_code", sw.status,
				"took", time.Since(start).String(),
			)
		})
	}
}

// OtelHTTP provides a standard HTTP middleware for OpenTelemetry tracing. It creates
// a span for each request, propagates trace context from incoming headers, and records
// key request/response data as span attributes for observability.
func OtelHTTP(tracer trace.Tracer) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			startTime := time.Now()

			// Extract trace context from request headers.
			ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

			spanName := r.URL.Path
			attrs := []attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
			}

			ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
			defer span.End()

			sw := &statusWriter{ResponseWriter: w}

			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(
				attribute.Int("http.status_code", sw.status),
				attribute.String("http.response_time", time.Since(startTime).String()),
			)
		})
	}
}

// PanicsHTTP recovers from handler panics, logs the stack, and converts the
// panic into a 500 response. A panic mid-stream can only terminate the
// response; headers are already gone.
func PanicsHTTP(log *logger.Logger) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}

			defer func() {
				if rec := recover(); rec != nil {
					log.Error(r.Context(), "handler panic recovered",
						"method", r.Method,
						"path", r.URL.Path,
						"panic", rec,
						"stack", string(debug.Stack()),
					)
					if sw.status == 0 {
						http.Error(sw, "Internal Server Error", http.StatusInternalServerError)
					}
				}
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

// GetMiddlewareChain returns the standard HTTP middleware stack applied to
// every API route, outermost first.
func GetMiddlewareChain(log *logger.Logger, tracer trace.Tracer, metrics APIMetrics) []HTTPMiddleware {
	return []HTTPMiddleware{
		OtelHTTP(tracer),
		MetricsMiddleware(metrics),
		LoggerHTTP(log),
		PanicsHTTP(log),
	}
}
