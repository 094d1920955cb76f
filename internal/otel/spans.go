package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrItemID   = attribute.Key("godiary.item.id")
	AttrRunID    = attribute.Key("godiary.run.id")
	AttrSource   = attribute.Key("godiary.sweep.source")
	AttrProvider = attribute.Key("godiary.provider")
	AttrResult   = attribute.Key("godiary.result")
	AttrMode     = attribute.Key("godiary.deletion.mode")
	AttrRoute    = attribute.Key("http.route")
	AttrStatus   = attribute.Key("http.status_code")
	AttrField    = attribute.Key("godiary.search.field")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
