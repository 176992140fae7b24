package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scopes. Relay operations and storage calls are traced under
// separate tracers so backends can filter storage noise.
const (
	RelayTracer = "livetrack/relay"
	StoreTracer = "livetrack/store"
)

// Span attribute keys shared by the relay and its transports.
const (
	AttrTrackID           = attribute.Key("track.id")
	AttrTrackActive       = attribute.Key("track.active")
	AttrFanoutSubscribers = attribute.Key("fanout.subscribers")
	AttrFanoutFailed      = attribute.Key("fanout.failed")
	AttrPathPoints        = attribute.Key("path.points")
)

// Store names the backend behind a storage span.
type Store string

const (
	StorePostgres Store = "postgresql"
	StoreRedis    Store = "redis"
)

// StoreOp is the kind of storage call being traced.
type StoreOp string

const (
	StoreOpRead   StoreOp = "read"
	StoreOpWrite  StoreOp = "write"
	StoreOpDelete StoreOp = "delete"
)

// StartRelaySpan starts the span for one relay operation on trackID.
// The span is named "relay.<op>" and tagged with the track.
//
//	ctx, endSpan := tracing.StartRelaySpan(ctx, "submit", trackID)
//	defer func() { endSpan(err) }()
func StartRelaySpan(ctx context.Context, op, trackID string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(RelayTracer).Start(ctx, "relay."+op,
		trace.WithAttributes(AttrTrackID.String(trackID)),
	)
	return ctx, endFunc(span)
}

// StartStoreSpan starts a client span for a storage call. Spans are named
// "<op> <target>", where target is the table or key family touched.
func StartStoreSpan(ctx context.Context, store Store, target string, op StoreOp) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", string(store)),
		attribute.String("db.operation", string(op)),
	}
	if store == StorePostgres {
		attrs = append(attrs, attribute.String("db.sql.table", target))
	}

	ctx, span := otel.Tracer(StoreTracer).Start(ctx, string(op)+" "+target,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, endFunc(span)
}

// RecordTrack tags the current span with the track it concerns. HTTP spans
// get it from the request path, relay spans at start.
func RecordTrack(ctx context.Context, trackID string) {
	if trackID == "" {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(AttrTrackID.String(trackID))
}

// RecordFanout tags the current span with the outcome of a publish.
func RecordFanout(ctx context.Context, active bool, subscribers, failed int) {
	trace.SpanFromContext(ctx).SetAttributes(
		AttrTrackActive.Bool(active),
		AttrFanoutSubscribers.Int(subscribers),
		AttrFanoutFailed.Int(failed),
	)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func endFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
