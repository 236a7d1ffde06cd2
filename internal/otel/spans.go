package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskos spans.
var (
	AttrTaskID  = attribute.Key("taskos.task.id")
	AttrPhase   = attribute.Key("taskos.task.phase")
	AttrStatus  = attribute.Key("taskos.task.status")
	AttrRunMode = attribute.Key("taskos.task.run_mode")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
