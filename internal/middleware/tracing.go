package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/livetrack/internal/track"
	"github.com/onnwee/livetrack/internal/tracing"
)

// untracedRoutes produce no spans. Probes and scrapes would drown the relay
// traffic, and a WebSocket span would last as long as the session.
var untracedRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
	"/ws":      true,
}

// Tracing wraps requests in OpenTelemetry server spans named after the
// normalized route, e.g. "GET /api/location/{trackId}". Incoming W3C
// traceparent headers continue the caller's trace. Spans for routes that
// address a track carry its track.id.
//
// Mount it after RequestID and before Logging so log lines can carry the
// trace ID.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		tagged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tracing.RecordTrack(r.Context(), trackIDFromPath(r.URL.Path))
			next.ServeHTTP(w, r)
		})
		return otelhttp.NewHandler(tagged, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !untracedRoutes[r.URL.Path]
			}),
		)
	}
}

// trackIDFromPath returns the raw trackId segment of the routes that take
// one, or "" for every other path.
func trackIDFromPath(path string) string {
	var id string
	switch normalizePath(path) {
	case "/api/location/{trackId}", "/api/path/{trackId}":
		id = path[strings.LastIndex(path, "/")+1:]
	case "/api/location/deactivate/{trackId}":
		id = strings.TrimPrefix(path, "/api/location/deactivate/")
	case "/api/track/{trackId}/subscribers":
		id = strings.TrimSuffix(strings.TrimPrefix(path, "/api/track/"), "/subscribers")
	}
	return track.NormalizeID(id)
}

// GetTraceID extracts the trace ID from the request context.
// Returns empty string if no trace is active.
func GetTraceID(r *http.Request) string {
	spanCtx := trace.SpanContextFromContext(r.Context())
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// GetSpanID extracts the span ID from the request context.
// Returns empty string if no span is active.
func GetSpanID(r *http.Request) string {
	spanCtx := trace.SpanContextFromContext(r.Context())
	if spanCtx.IsValid() {
		return spanCtx.SpanID().String()
	}
	return ""
}
