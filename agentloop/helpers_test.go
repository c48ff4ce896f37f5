package agentloop

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// fakeModel answers every completion with the text chosen by reply.
type fakeModel struct {
	mu       sync.Mutex
	reply    func(req ModelRequest) string
	credits  int
	nReply   string
	err      error
	requests []ModelRequest
}

// scripted returns a model that answers with replies in order and an empty
// response once they run out.
func scripted(replies ...string) *fakeModel {
	var mu sync.Mutex
	next := 0
	return &fakeModel{reply: func(ModelRequest) string {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(replies) {
			return ""
		}
		next++
		return replies[next-1]
	}}
}

func (m *fakeModel) StreamCompletion(ctx context.Context, req ModelRequest) (<-chan ModelChunk, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	text := m.reply(req)
	ch := make(chan ModelChunk)
	go func() {
		defer close(ch)
		// Split the reply so the parser sees partial markers.
		for len(text) > 0 {
			n := min(7, len(text))
			if !send(ctx, ch, ModelChunk{Kind: ModelText, Text: text[:n]}) {
				return
			}
			text = text[n:]
		}
		if m.credits > 0 && !send(ctx, ch, ModelChunk{Kind: ModelUsage, Credits: m.credits}) {
			return
		}
		send(ctx, ch, ModelChunk{Kind: ModelFinish, MessageID: "msg_test"})
	}()
	return ch, nil
}

func (m *fakeModel) CompleteN(ctx context.Context, req ModelRequest, n int) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if req.OnCredits != nil && m.credits > 0 {
		req.OnCredits(m.credits)
	}
	return m.nReply, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *fakeModel) request(i int) ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// collector is a ChunkSink safe for concurrent children.
type collector struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (c *collector) sink() ChunkSink {
	return func(ch Chunk) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.chunks = append(c.chunks, ch)
	}
}

func (c *collector) ofKind(kind ChunkKind) []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Chunk
	for _, ch := range c.chunks {
		if ch.Kind == kind {
			out = append(out, ch)
		}
	}
	return out
}

func newTestRuntime(t *testing.T, model Model, templates ...*AgentTemplate) (*Runtime, *MemoryStore) {
	t.Helper()
	registry := NewTemplateRegistry()
	for _, tmpl := range templates {
		if err := registry.Register(tmpl); err != nil {
			t.Fatalf("Register(%s): %v", tmpl.ID, err)
		}
	}
	store := NewMemoryStore()
	return NewRuntime(model, registry, WithStore(store)), store
}

// newTestScope builds a scope for driving an Executor directly.
func newTestScope(t *testing.T, tmpl *AgentTemplate, custom *ToolRegistry) *runScope {
	t.Helper()
	rt, _ := newTestRuntime(t, scripted())
	state := NewAgentState(tmpl.ID, 10)
	return &runScope{
		rt:       rt,
		opts:     &RunOptions{CustomTools: custom},
		state:    state,
		template: tmpl,
		logger:   rt.logger,
	}
}

func errorMessage(t *testing.T, output ToolOutput) string {
	t.Helper()
	if len(output) != 1 {
		t.Fatalf("expected one output part, got %d", len(output))
	}
	m, ok := output[0].Value.(map[string]any)
	if !ok {
		t.Fatalf("expected error object, got %#v", output[0])
	}
	msg, _ := m["errorMessage"].(string)
	return msg
}

func historyContains(history []Message, substr string) bool {
	for _, msg := range history {
		if strings.Contains(msg.Text(), substr) {
			return true
		}
	}
	return false
}
