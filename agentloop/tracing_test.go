package agentloop

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRunRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	registry := NewTemplateRegistry()
	if err := registry.Register(&AgentTemplate{ID: "base"}); err != nil {
		t.Fatal(err)
	}
	rt := NewRuntime(scripted("hello"), registry, WithTracer(provider.Tracer(tracerName)))

	result, err := rt.Run(context.Background(), RunOptions{AgentType: "base", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	spans := recorder.Ended()
	byName := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range spans {
		byName[span.Name()] = span
	}
	run, step := byName["agent.run"], byName["agent.step"]
	if run == nil || step == nil {
		t.Fatalf("spans = %d, want agent.run and agent.step", len(spans))
	}
	if step.Parent().SpanID() != run.SpanContext().SpanID() {
		t.Error("agent.step should be a child of agent.run")
	}
	found := false
	for _, attr := range run.Attributes() {
		if attr.Key == "agent.run_id" && attr.Value.AsString() == result.State.RunID {
			found = true
		}
	}
	if !found {
		t.Error("agent.run span lacks the run id")
	}
}
