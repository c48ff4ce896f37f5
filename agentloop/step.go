package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const stepLimitWarning = "I've made quite a few responses in a row. Let me pause here to make sure we're still on the right track. Please let me know if you want me to continue or if you'd like to change direction."

const loopWarning = "Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach instead of repeating the same calls."

const compactDirective = "/compact"

// StepInput carries the per-step overrides chosen by a step program.
type StepInput struct {
	TextOverride *string
	GenerateN    int
}

// StepOutcome is the result of one agent step.
type StepOutcome struct {
	ShouldEndTurn bool
	// MessageID is empty when no model call was made.
	MessageID    string
	NResponses   []string
	FullResponse string
	ToolCalls    []ToolCall
	ToolResults  []ToolResult

	EndTurnCalled    bool
	StepLimitReached bool
}

// runStep runs one LLM-backed step for the scope's agent.
func (s *runScope) runStep(ctx context.Context, in StepInput) (out StepOutcome, err error) {
	state := s.state
	if state.StepsRemaining <= 0 {
		s.logger.Warn("step limit reached", "agent_id", state.AgentID)
		s.emit(Chunk{Kind: ChunkText, Text: stepLimitWarning})
		state.MessageHistory = append(state.MessageHistory, AssistantText(stepLimitWarning))
		return StepOutcome{ShouldEndTurn: true, StepLimitReached: true}, nil
	}

	ctx, span := startSpan(ctx, s.rt.tracer, "agent.step",
		append(agentAttrs(state), attribute.Int("agent.steps_remaining", state.StepsRemaining))...)
	defer func() { endSpan(span, err) }()

	state.StepsRemaining--
	defer func() {
		state.MessageHistory = ExpireMessages(state.MessageHistory, TTLAgentStep)
	}()
	if s.template.StepPrompt != "" {
		msg := UserText(s.expand(s.template.StepPrompt))
		msg.TimeToLive = TTLAgentStep
		state.MessageHistory = append(state.MessageHistory, msg)
	}

	req := ModelRequest{
		Model:    s.model(),
		Messages: s.requestMessages(),
		AgentID:  state.AgentID,
		RunID:    state.RunID,
	}

	if in.GenerateN > 0 {
		out, err = s.generateN(ctx, req, in.GenerateN)
		return out, classifyStepError(err)
	}

	var chunks <-chan ModelChunk
	if in.TextOverride != nil {
		ch := make(chan ModelChunk, 1)
		ch <- ModelChunk{Kind: ModelText, Text: *in.TextOverride}
		close(ch)
		chunks = ch
	} else {
		chunks, err = s.rt.model.StreamCompletion(ctx, req)
		if err != nil {
			return StepOutcome{}, classifyStepError(err)
		}
	}

	out, err = s.processStream(ctx, chunks)
	if err != nil {
		return out, classifyStepError(err)
	}

	if strings.TrimSpace(s.opts.Prompt) == compactDirective {
		s.compact(out.FullResponse)
	}
	if s.rt.cfg.EnableLoopDetection && DetectLoop(state.MessageHistory, s.rt.cfg.LoopDetectionWindow) {
		warning := fmt.Sprintf(loopWarning, s.rt.cfg.LoopDetectionWindow)
		s.logger.Warn("tool call loop detected", "agent_id", state.AgentID)
		state.MessageHistory = append(state.MessageHistory, UserText(warning))
	}

	out.ShouldEndTurn = s.shouldEndTurn(out)
	span.SetAttributes(
		attribute.Int("agent.tool_calls", len(out.ToolCalls)),
		attribute.Bool("agent.end_turn", out.ShouldEndTurn),
	)
	return out, nil
}

// processStream routes model chunks through the tag parser into an executor.
func (s *runScope) processStream(ctx context.Context, chunks <-chan ModelChunk) (StepOutcome, error) {
	exec := newExecutor(s)
	var (
		out       StepOutcome
		full      strings.Builder
		credits   int
		streamErr error
	)

	enqueue := func(call ParsedCall) {
		if call.Autocompleted {
			s.logger.Info("autocompleted unterminated tool call", "tool", call.ToolName)
			trace.SpanFromContext(ctx).AddEvent("tool_call.autocompleted",
				trace.WithAttributes(attribute.String("tool", call.ToolName)))
		}
		exec.Enqueue(ctx, ToolCall{ToolName: call.ToolName, ToolCallID: uuid.NewString(), Input: call.Input}, ToolCallOptions{})
	}
	parser := NewTagParser(ParserOptions{
		Fallback: func(name string) (BlockHandler, bool) {
			if !exec.Resolvable(name) {
				return BlockHandler{}, false
			}
			return BlockHandler{OnEnd: enqueue}, true
		},
		OnText: func(text string) {
			exec.AddText(text)
			s.emit(Chunk{Kind: ChunkText, Text: text})
		},
		OnReasoning: func(text string) {
			s.emit(Chunk{Kind: ChunkReasoning, Text: text})
		},
		OnError: func(perr ParseError) {
			s.emit(Chunk{Kind: ChunkError, Text: perr.Message})
			name := perr.ToolName
			if name == "" {
				name = "unknown"
			}
			exec.Fail(ctx, ToolCall{ToolName: name, ToolCallID: uuid.NewString(), Input: map[string]any{}}, perr.Message)
		},
	})

	for chunk := range chunks {
		switch chunk.Kind {
		case ModelText:
			full.WriteString(chunk.Text)
			parser.Write(chunk.Text)
		case ModelReasoning:
			parser.WriteReasoning(chunk.Text)
		case ModelUsage:
			credits += chunk.Credits
			s.reportCredits(chunk.Credits)
		case ModelError:
			if streamErr == nil {
				streamErr = chunk.Err
				if streamErr == nil {
					streamErr = errors.New("model stream failed")
				}
			}
		case ModelFinish:
			out.MessageID = chunk.MessageID
		}
	}
	parser.Close()
	exec.Drain()
	exec.FlushText()
	s.state.addCredits(credits)

	out.FullResponse = full.String()
	out.ToolCalls = exec.Calls()
	out.ToolResults = exec.Results()
	for _, call := range out.ToolCalls {
		if call.ToolName == ToolEndTurn || call.ToolName == ToolTaskCompleted {
			out.EndTurnCalled = true
		}
	}
	if streamErr != nil {
		s.emit(Chunk{Kind: ChunkError, Text: streamErr.Error()})
		return out, streamErr
	}
	return out, nil
}

// generateN asks the model for n completions and decodes them.
func (s *runScope) generateN(ctx context.Context, req ModelRequest, n int) (StepOutcome, error) {
	req.OnCredits = func(credits int) {
		s.state.addCredits(credits)
		s.reportCredits(credits)
	}
	raw, err := s.rt.model.CompleteN(ctx, req, n)
	if err != nil {
		return StepOutcome{}, err
	}
	responses, err := parseNResponses(raw, n)
	if err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{NResponses: responses}, nil
}

// parseNResponses decodes a JSON array of strings. With n == 1 a bare JSON
// string or plain text is accepted.
func parseNResponses(raw string, n int) ([]string, error) {
	var responses []string
	if err := json.Unmarshal([]byte(raw), &responses); err == nil {
		return responses, nil
	}
	if n == 1 {
		var single string
		if err := json.Unmarshal([]byte(raw), &single); err == nil {
			return []string{single}, nil
		}
		return []string{raw}, nil
	}
	return nil, fmt.Errorf("parse %d completions: expected a JSON array of strings", n)
}

// shouldEndTurn decides whether the step ends the agent's turn.
func (s *runScope) shouldEndTurn(out StepOutcome) bool {
	if out.EndTurnCalled {
		return true
	}
	if s.template.RequiresExplicitCompletion() {
		return false
	}
	for _, call := range out.ToolCalls {
		if !passiveTools[call.ToolName] {
			return false
		}
	}
	for _, result := range out.ToolResults {
		if !passiveTools[result.ToolName] {
			return false
		}
	}
	return true
}

// compact replaces the history with a single summarizing user message.
func (s *runScope) compact(summary string) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = lastAssistantText(s.state.MessageHistory)
	}
	msg := UserText("<conversation_summary>\n" + summary + "\n</conversation_summary>\n\nPlease continue the conversation from here.")
	msg.KeepDuringTruncation = true
	s.state.MessageHistory = []Message{msg}
}

func (s *runScope) requestMessages() []Message {
	msgs := make([]Message, 0, len(s.state.MessageHistory)+1)
	if s.state.SystemPrompt != "" {
		msgs = append(msgs, SystemText(s.state.SystemPrompt))
	}
	return append(msgs, s.state.MessageHistory...)
}

func (s *runScope) model() string {
	if s.template.Model != "" {
		return s.template.Model
	}
	return s.rt.cfg.DefaultModel
}

func (s *runScope) reportCredits(credits int) {
	if s.opts.OnCredits != nil && credits > 0 {
		s.opts.OnCredits(credits)
	}
}
