package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/martinemde/agentrt/unifiedllm"
)

// ModelChunkKind identifies a chunk of a model stream.
type ModelChunkKind string

const (
	ModelText      ModelChunkKind = "text"
	ModelReasoning ModelChunkKind = "reasoning"
	ModelUsage     ModelChunkKind = "usage"
	ModelError     ModelChunkKind = "error"
	ModelFinish    ModelChunkKind = "finish"
)

// ModelChunk is one event of a streamed completion. The finish chunk carries
// the provider's message id.
type ModelChunk struct {
	Kind      ModelChunkKind
	Text      string
	Credits   int
	MessageID string
	Err       error
}

// ModelRequest is the input to a Model call.
type ModelRequest struct {
	Model    string
	Messages []Message
	AgentID  string
	RunID    string
	// OnCredits is called by CompleteN once the cost of the call is known.
	OnCredits func(credits int)
}

// Model is the LLM collaborator used by the step runner.
type Model interface {
	// StreamCompletion streams one completion. The channel is closed after
	// the finish or error chunk.
	StreamCompletion(ctx context.Context, req ModelRequest) (<-chan ModelChunk, error)
	// CompleteN returns a JSON array holding n completions.
	CompleteN(ctx context.Context, req ModelRequest, n int) (string, error)
}

// LLMModel implements Model on a unifiedllm.Client.
type LLMModel struct {
	client       *unifiedllm.Client
	defaultModel string
}

// NewLLMModel creates a Model backed by client. defaultModel is used when a
// request names no model.
func NewLLMModel(client *unifiedllm.Client, defaultModel string) *LLMModel {
	return &LLMModel{client: client, defaultModel: defaultModel}
}

func (m *LLMModel) request(req ModelRequest) unifiedllm.Request {
	model := req.Model
	if model == "" {
		model = m.defaultModel
	}
	return unifiedllm.Request{
		Model:    model,
		Messages: toLLMMessages(req.Messages),
		Metadata: map[string]string{"agent_id": req.AgentID, "run_id": req.RunID},
	}
}

func (m *LLMModel) StreamCompletion(ctx context.Context, req ModelRequest) (<-chan ModelChunk, error) {
	llmReq := m.request(req)
	events, err := m.client.Stream(ctx, llmReq)
	if err != nil {
		return nil, err
	}

	out := make(chan ModelChunk, 16)
	go func() {
		defer close(out)
		for ev := range events {
			var chunk ModelChunk
			switch ev.Type {
			case unifiedllm.TextDelta:
				chunk = ModelChunk{Kind: ModelText, Text: ev.Delta}
			case unifiedllm.ReasoningDelta:
				chunk = ModelChunk{Kind: ModelReasoning, Text: ev.Delta}
			case unifiedllm.StreamError:
				chunk = ModelChunk{Kind: ModelError, Err: ev.Error}
			case unifiedllm.StreamFinish:
				var messageID string
				usage := unifiedllm.Usage{}
				if ev.Response != nil {
					messageID = ev.Response.ID
					usage = ev.Response.Usage
				} else if ev.Usage != nil {
					usage = *ev.Usage
				}
				if credits := unifiedllm.CreditsForUsage(llmReq.Model, usage); credits > 0 {
					if !send(ctx, out, ModelChunk{Kind: ModelUsage, Credits: credits}) {
						return
					}
				}
				chunk = ModelChunk{Kind: ModelFinish, MessageID: messageID}
			default:
				continue
			}
			if !send(ctx, out, chunk) {
				return
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- ModelChunk, chunk ModelChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *LLMModel) CompleteN(ctx context.Context, req ModelRequest, n int) (string, error) {
	llmReq := m.request(req)
	result, err := unifiedllm.GenerateN(ctx, m.client, llmReq, n)
	// Completions that succeeded are billed even when a sibling failed.
	if result != nil && req.OnCredits != nil {
		if credits := unifiedllm.CreditsForUsage(llmReq.Model, result.Usage); credits > 0 {
			req.OnCredits(credits)
		}
	}
	if err != nil {
		return "", err
	}
	return result.JSON, nil
}

// toLLMMessages converts history into provider messages. Tool calls are
// rendered in their wire form inside assistant text.
func toLLMMessages(history []Message) []unifiedllm.Message {
	out := make([]unifiedllm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleTool:
			content, isError := toolContentJSON(msg.Content)
			out = append(out, unifiedllm.ToolResultMessage(msg.ToolCallID, msg.ToolName, content, isError))
		default:
			m := unifiedllm.Message{Role: unifiedllm.Role(msg.Role)}
			for _, part := range msg.Content {
				switch part.Kind {
				case PartImage:
					m.Content = append(m.Content, unifiedllm.ImageURLPart(part.Image, part.MediaType))
				default:
					text := Message{Content: []ContentPart{part}}.Text()
					if text != "" {
						m.Content = append(m.Content, unifiedllm.TextPart(text))
					}
				}
			}
			if len(m.Content) == 0 {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

// toolContentJSON encodes tool output parts as JSON and reports whether they
// describe an error.
func toolContentJSON(parts []ContentPart) (json.RawMessage, bool) {
	isError := false
	values := make([]any, 0, len(parts))
	for _, part := range parts {
		switch part.Kind {
		case PartJSON:
			if m, ok := part.Value.(map[string]any); ok {
				if _, ok := m["errorMessage"]; ok {
					isError = true
				}
			}
			values = append(values, part.Value)
		default:
			values = append(values, Message{Content: []ContentPart{part}}.Text())
		}
	}
	var v any = values
	if len(values) == 1 {
		v = values[0]
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("unencodable tool output: %v", err))
	}
	return data, isError
}
