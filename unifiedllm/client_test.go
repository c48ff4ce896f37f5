package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
)

type mockAdapter struct {
	name  string
	text  string
	err   error
	calls atomic.Int32
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{name: name, text: text}
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &Response{
		ID:       "resp_mock",
		Model:    req.Model,
		Provider: m.name,
		Message:  AssistantMessage(m.text),
		Usage:    Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.calls.Add(1)
	ch := make(chan StreamEvent, 4)
	go func() {
		defer close(ch)
		if m.err != nil {
			ch <- StreamEvent{Type: StreamError, Error: m.err}
			return
		}
		ch <- StreamEvent{Type: StreamStart}
		ch <- StreamEvent{Type: TextDelta, Delta: m.text}
		resp := &Response{Provider: m.name, Message: AssistantMessage(m.text)}
		ch <- StreamEvent{Type: StreamFinish, Response: resp, Usage: &resp.Usage}
	}()
	return ch, nil
}

func TestClientRoutesByProvider(t *testing.T) {
	openai := newMockAdapter("openai", "from openai")
	anthropic := newMockAdapter("anthropic", "from anthropic")
	c := NewClient(WithProvider("openai", openai), WithProvider("anthropic", anthropic), WithDefaultProvider("openai"))

	resp, err := c.Complete(context.Background(), Request{Model: "whatever", Provider: "anthropic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "from anthropic" {
		t.Errorf("expected anthropic response, got %q", resp.Text())
	}

	// Catalog lookup beats the default provider.
	resp, err = c.Complete(context.Background(), Request{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("expected catalog routing to anthropic, got %q", resp.Provider)
	}

	resp, err = c.Complete(context.Background(), Request{Model: "unlisted"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "openai" {
		t.Errorf("expected default provider, got %q", resp.Provider)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	c := NewClient(WithProvider("openai", newMockAdapter("openai", "x")))
	_, err := c.Complete(context.Background(), Request{Provider: "gemini"})
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestClientNoProviders(t *testing.T) {
	c := NewClient()
	if _, err := c.Stream(context.Background(), Request{Model: "x"}); err == nil {
		t.Fatal("expected error with no providers")
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(tag string) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			order = append(order, tag)
			return next(ctx, req)
		}
	}
	c := NewClient(
		WithProvider("openai", newMockAdapter("openai", "ok")),
		WithMiddleware(mw("first"), mw("second")),
	)
	if _, err := c.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("unexpected middleware order: %v", order)
	}
}

func TestClientStream(t *testing.T) {
	c := NewClient(WithProvider("openai", newMockAdapter("openai", "streamed")))
	ch, err := c.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text string
	var finished bool
	for ev := range ch {
		switch ev.Type {
		case TextDelta:
			text += ev.Delta
		case StreamFinish:
			finished = true
		}
	}
	if text != "streamed" || !finished {
		t.Errorf("got text=%q finished=%v", text, finished)
	}
}

func TestGenerateN(t *testing.T) {
	adapter := newMockAdapter("openai", "draft")
	c := NewClient(WithProvider("openai", adapter))

	result, err := GenerateN(context.Background(), c, Request{Model: "gpt-4o-mini"}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := adapter.calls.Load(); got != 3 {
		t.Errorf("expected 3 completions, got %d", got)
	}

	var texts []string
	if err := json.Unmarshal([]byte(result.JSON), &texts); err != nil {
		t.Fatalf("result is not a JSON array: %v", err)
	}
	if len(texts) != 3 || texts[0] != "draft" {
		t.Errorf("unexpected texts: %v", texts)
	}
	if result.Usage.TotalTokens != 45 {
		t.Errorf("expected summed usage 45, got %d", result.Usage.TotalTokens)
	}
}

func TestGenerateNFailure(t *testing.T) {
	adapter := newMockAdapter("openai", "")
	adapter.err = &PaymentRequiredError{}
	c := NewClient(WithProvider("openai", adapter))

	_, err := GenerateN(context.Background(), c, Request{}, 2)
	if !ShouldPropagate(err) {
		t.Fatalf("expected payment error to surface, got %v", err)
	}
}

func TestGenerateNFailureKeepsUsage(t *testing.T) {
	var n atomic.Int32
	flaky := completerFunc(func(ctx context.Context, req Request) (*Response, error) {
		if n.Add(1)%2 == 0 {
			return nil, &ServerError{}
		}
		return &Response{Message: AssistantMessage("draft"), Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}, nil
	})

	result, err := GenerateN(context.Background(), flaky, Request{}, 4)
	if !ShouldPropagate(err) {
		t.Fatalf("expected server error, got %v", err)
	}
	if result == nil || result.Usage.TotalTokens != 30 {
		t.Fatalf("expected usage of the two successful completions, got %+v", result)
	}
	if result.JSON != "" {
		t.Errorf("failed generation should carry no texts, got %s", result.JSON)
	}
}

type completerFunc func(ctx context.Context, req Request) (*Response, error)

func (f completerFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

func TestGenerateNInvalidCount(t *testing.T) {
	c := NewClient(WithProvider("openai", newMockAdapter("openai", "x")))
	if _, err := GenerateN(context.Background(), c, Request{}, 0); err == nil {
		t.Fatal("expected error for n=0")
	}
}
