package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests that no [http.ServeMux] pattern matched.
const unmatchedRoute = "unmatched"

// quietRoutes are polled by orchestrators and scrapers; their completion is
// logged at debug level.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// responseWriter records the status written by the wrapped handler and
// forwards hijacking for websocket upgrades.
type responseWriter struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.upgraded = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *responseWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// route returns the path part of the pattern the mux matched for r.
func route(r *http.Request) string {
	p := r.Pattern
	if p == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(p, " "); ok {
		return path
	}
	return p
}

// Middleware traces, times and logs each request. It continues an incoming
// W3C trace context, reports the trace ID in [TraceHeader] and labels metrics
// with the matched route rather than the raw path. Wrap an [http.ServeMux]
// with it so the route is known once the request is served.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			traceID := TraceID(ctx)
			w.Header().Set(TraceHeader, traceID)
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rw := &responseWriter{ResponseWriter: w}
			r = r.WithContext(ctx)
			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			rt := route(r)
			status := rw.code()

			span.SetName(r.Method + " " + rt)
			span.SetAttributes(semconv.HTTPRoute(rt), semconv.HTTPResponseStatusCode(status))

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", rt),
			))

			level := slog.LevelInfo
			if quietRoutes[rt] && status < http.StatusInternalServerError {
				level = slog.LevelDebug
			}
			msg := "request completed"
			if rw.upgraded {
				msg = "websocket closed"
			}
			slog.LogAttrs(ctx, level, msg,
				slog.String("trace_id", traceID),
				slog.String("method", r.Method),
				slog.String("route", rt),
				slog.Int("status", status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
