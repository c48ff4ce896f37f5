package agentloop

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/martinemde/agentrt/agentloop"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func agentAttrs(state *AgentState) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("agent.id", state.AgentID),
		attribute.String("agent.type", state.AgentType),
		attribute.String("agent.run_id", state.RunID),
	}
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
