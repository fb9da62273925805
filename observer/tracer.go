package observer

import (
	"context"
	"fmt"

	polos "github.com/polos-ai/polos-go"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements polos.Tracer using OpenTelemetry.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a polos.Tracer backed by the global OTEL TracerProvider.
// Call observer.Init() first to configure the provider; otherwise spans go to
// a no-op backend.
//
// Trace identity seeded by the executor (inbound traceparent or the
// deterministic per-execution trace id) is installed as the remote parent, so
// every attempt of an execution lands in the same trace.
func NewTracer() polos.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...polos.SpanAttr) (context.Context, polos.Span) {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		if tp, ok := polos.TraceParentFromContext(ctx); ok {
			if sc := remoteSpanContext(tp); sc.IsValid() {
				ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
			}
		}
	}
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	return ctx, &otelSpan{inner: span}
}

// remoteSpanContext converts a polos trace identity into an OTEL remote span
// context. A deterministic root carries only a trace id; the parent span id
// is derived from it so replays and retries still join the same trace.
func remoteSpanContext(tp polos.TraceParent) trace.SpanContext {
	tid, err := trace.TraceIDFromHex(tp.TraceID)
	if err != nil {
		return trace.SpanContext{}
	}
	spanHex := tp.SpanID
	if spanHex == "" {
		spanHex = tp.TraceID[:16]
	}
	sid, err := trace.SpanIDFromHex(spanHex)
	if err != nil {
		return trace.SpanContext{}
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}

// otelSpan implements polos.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...polos.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...polos.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

// toOTELAttr converts a polos.SpanAttr to an OTEL attribute.KeyValue.
func toOTELAttr(a polos.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

// compile-time checks
var (
	_ polos.Tracer = (*otelTracer)(nil)
	_ polos.Span   = (*otelSpan)(nil)
)
