package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern matched, so arbitrary paths
// cannot blow up metric cardinality.
const unmatchedRoute = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware traces and times every request on the operational endpoints.
//
// Incoming W3C trace context is honoured. The trace ID is echoed in the
// X-Correlation-ID header. Latency goes to [Metrics.HTTPRequestDuration]
// labelled by method, route pattern and status. Probe and scrape traffic is
// logged at debug level, everything else at info.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "http "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// ServeMux fills Pattern on the request it was handed.
			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}
			span.SetName("http " + route)
			span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			d := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
				Attr("method", r.Method),
				Attr("route", route),
				Attr("status", strconv.Itoa(rec.status)),
			))

			level := slog.LevelInfo
			if isProbe(r.URL.Path) {
				level = slog.LevelDebug
			}
			Logger(ctx).Log(ctx, level, "http request",
				"method", r.Method,
				"route", route,
				"status", rec.status,
				"duration", d,
			)
		})
	}
}

func isProbe(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}
