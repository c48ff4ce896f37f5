package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
)

// ToolCallOptions modify how one call is executed and recorded.
type ToolCallOptions struct {
	// ExcludeFromHistory keeps the call and its result out of MessageHistory.
	ExcludeFromHistory bool
	// FromProgram marks calls yielded by a step program. They bypass the
	// template tool allowlist.
	FromProgram bool

	failWith string
}

// PendingCall is a tool call queued on an Executor.
type PendingCall struct {
	Call   ToolCall
	done   chan struct{}
	result ToolResult
}

// Wait blocks until the call has run and returns its result.
func (p *PendingCall) Wait() ToolResult {
	<-p.done
	return p.result
}

// Done is closed once the result is available.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Executor runs the tool calls of one step. Each call waits for the previous
// one to finish before its handler starts, so side effects happen in
// dispatch order.
type Executor struct {
	scope *runScope

	mu          sync.Mutex
	prev        chan struct{}
	pendingText strings.Builder
	calls       []ToolCall
	results     []ToolResult
}

func newExecutor(scope *runScope) *Executor {
	return &Executor{scope: scope}
}

// Enqueue schedules call and returns immediately.
func (e *Executor) Enqueue(ctx context.Context, call ToolCall, opts ToolCallOptions) *PendingCall {
	pc := &PendingCall{Call: call, done: make(chan struct{})}

	e.mu.Lock()
	prev := e.prev
	e.prev = pc.done
	text := e.pendingText.String()
	e.pendingText.Reset()
	e.calls = append(e.calls, call)
	e.mu.Unlock()

	e.scope.emit(Chunk{Kind: ChunkToolCall, ToolCall: &call})

	go func() {
		defer close(pc.done)
		if prev != nil {
			<-prev
		}
		result := e.execute(ctx, call, opts)
		pc.result = result
		e.record(call, result, text, opts)
	}()
	return pc
}

// Fail records a call that could not be dispatched as an error result.
func (e *Executor) Fail(ctx context.Context, call ToolCall, msg string) *PendingCall {
	return e.Enqueue(ctx, call, ToolCallOptions{failWith: msg})
}

// AddText buffers assistant text that precedes the next tool call.
func (e *Executor) AddText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingText.WriteString(text)
}

// Drain waits for every queued call to finish.
func (e *Executor) Drain() {
	e.mu.Lock()
	tail := e.prev
	e.mu.Unlock()
	if tail != nil {
		<-tail
	}
}

// FlushText appends any buffered text as an assistant message. It must be
// called after Drain.
func (e *Executor) FlushText() {
	e.mu.Lock()
	text := e.pendingText.String()
	e.pendingText.Reset()
	e.mu.Unlock()
	if strings.TrimSpace(text) != "" {
		e.scope.state.MessageHistory = append(e.scope.state.MessageHistory, AssistantText(text))
	}
}

// Calls returns the calls dispatched so far, in order.
func (e *Executor) Calls() []ToolCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// Results returns the results produced so far, in completion order.
func (e *Executor) Results() []ToolResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.results)
}

// Resolvable reports whether a handler exists for name.
func (e *Executor) Resolvable(name string) bool {
	s := e.scope
	return s.rt.builtins.Get(name) != nil || s.opts.CustomTools.Get(name) != nil || s.opts.RequestClientToolCall != nil
}

func (e *Executor) execute(ctx context.Context, call ToolCall, opts ToolCallOptions) (result ToolResult) {
	s := e.scope
	result = ToolResult{ToolName: call.ToolName, ToolCallID: call.ToolCallID}
	fail := func(msg string) ToolResult {
		result.Output = ErrorOutput(msg)
		result.IsError = true
		return result
	}

	if opts.failWith != "" {
		return fail(opts.failWith)
	}
	if ctx.Err() != nil {
		return fail("Run cancelled before tool could start")
	}
	if !opts.FromProgram && call.ToolName != ToolEndTurn &&
		len(s.template.ToolNames) > 0 && !s.template.HasTool(call.ToolName) {
		return fail(fmt.Sprintf("Tool %s is not available to agent %s", call.ToolName, s.template.ID))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool panicked", "tool", call.ToolName, "panic", r, "stack", string(debug.Stack()))
			result = fail(fmt.Sprintf("Tool %s panicked: %v", call.ToolName, r))
		}
	}()

	params := &ToolParams{
		Call:                  call,
		State:                 s.state,
		Template:              s.template,
		FileContext:           s.opts.FileContext,
		RequestClientToolCall: s.opts.RequestClientToolCall,
		scope:                 s,
	}

	var (
		output ToolOutput
		err    error
	)
	if tool := s.rt.builtins.Get(call.ToolName); tool != nil {
		output, err = tool.Handler(ctx, params)
	} else if tool := s.opts.CustomTools.Get(call.ToolName); tool != nil {
		output, err = tool.Handler(ctx, params)
	} else if s.opts.RequestClientToolCall != nil {
		output, err = s.opts.RequestClientToolCall(ctx, call)
	} else {
		return fail(fmt.Sprintf("Tool not found: %s", call.ToolName))
	}
	if err != nil {
		s.logger.Debug("tool failed", "tool", call.ToolName, "error", err)
		return fail(err.Error())
	}
	result.Output = output
	return result
}

// record appends the call to history and publishes its result. It runs
// inside the call's gate, so records happen in dispatch order.
func (e *Executor) record(call ToolCall, result ToolResult, text string, opts ToolCallOptions) {
	s := e.scope
	if strings.TrimSpace(text) != "" {
		s.state.MessageHistory = append(s.state.MessageHistory, AssistantText(text))
	}
	if !opts.ExcludeFromHistory {
		callCopy := call
		s.state.MessageHistory = append(s.state.MessageHistory,
			Message{Role: RoleAssistant, Content: []ContentPart{{Kind: PartToolCall, ToolCall: &callCopy}}},
			Message{
				Role:       RoleTool,
				ToolCallID: call.ToolCallID,
				ToolName:   call.ToolName,
				Content:    e.truncate(call.ToolName, result.Output),
			},
		)
	}

	e.mu.Lock()
	e.results = append(e.results, result)
	e.mu.Unlock()

	s.logger.Debug("tool finished", slog.String("tool", call.ToolName), slog.Bool("error", result.IsError))
	s.emit(Chunk{Kind: ChunkToolResult, ToolResult: &result})
}

// truncate shortens text output for the model. The chunk sink still
// receives the full output.
func (e *Executor) truncate(toolName string, output ToolOutput) []ContentPart {
	full := ToolResult{Output: output}.Text()
	cfg := e.scope.rt.cfg
	truncated := TruncateToolOutput(full, toolName, cfg.ToolOutputLimits, cfg.ToolLineLimits)
	if truncated == full {
		return slices.Clone(output)
	}
	return []ContentPart{TextPart(truncated)}
}
