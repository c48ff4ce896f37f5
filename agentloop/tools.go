package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ToolCall is a decoded request to run a tool.
type ToolCall struct {
	ToolName   string         `json:"toolName"`
	ToolCallID string         `json:"toolCallId"`
	Input      map[string]any `json:"input"`
}

// ToolOutput is the typed content a tool produces.
type ToolOutput []ContentPart

// ToolResult pairs a ToolOutput with the call that produced it.
type ToolResult struct {
	ToolName   string     `json:"toolName"`
	ToolCallID string     `json:"toolCallId"`
	Output     ToolOutput `json:"output"`
	IsError    bool       `json:"isError,omitempty"`
}

// Text renders the result output as plain text.
func (r ToolResult) Text() string {
	return Message{Content: r.Output}.Text()
}

// TextOutput wraps a string as a ToolOutput.
func TextOutput(text string) ToolOutput {
	return ToolOutput{TextPart(text)}
}

// JSONOutput wraps a value as a ToolOutput.
func JSONOutput(v any) ToolOutput {
	return ToolOutput{JSONPart(v)}
}

// ErrorOutput is the output shape used for every failed tool call.
func ErrorOutput(msg string) ToolOutput {
	return ToolOutput{JSONPart(map[string]any{"errorMessage": msg})}
}

// ClientToolCaller forwards a tool call to a client-side executor and waits
// for its output.
type ClientToolCaller func(ctx context.Context, call ToolCall) (ToolOutput, error)

// FileContext describes the project the run operates on.
type FileContext struct {
	ProjectRoot string            `json:"projectRoot"`
	Files       map[string]string `json:"files,omitempty"`
}

// ToolParams is the uniform parameter bag passed to every tool handler.
type ToolParams struct {
	Call        ToolCall
	State       *AgentState
	Template    *AgentTemplate
	FileContext *FileContext

	// RequestClientToolCall is nil when no client is attached.
	RequestClientToolCall ClientToolCaller

	scope *runScope
}

// String returns a string input argument.
func (p *ToolParams) String(key string) (string, bool) {
	return GetStringArg(p.Call.Input, key)
}

// Int returns an integer input argument.
func (p *ToolParams) Int(key string) (int, bool) {
	return GetIntArg(p.Call.Input, key)
}

// Bool returns a boolean input argument.
func (p *ToolParams) Bool(key string) (bool, bool) {
	return GetBoolArg(p.Call.Input, key)
}

// Decode unmarshals the call input into v.
func (p *ToolParams) Decode(v any) error {
	data, err := json.Marshal(p.Call.Input)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid %s input: %w", p.Call.ToolName, err)
	}
	return nil
}

// ToolHandler executes one tool call. A returned error becomes an error
// result; it is never propagated past the executor.
type ToolHandler func(ctx context.Context, p *ToolParams) (ToolOutput, error)

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its handler.
type RegisteredTool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Get returns a registered tool by name, or nil if not found. A nil registry
// holds no tools.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// MergeFrom copies all tools from other into this registry.
// Existing tools with the same name are overwritten.
func (r *ToolRegistry) MergeFrom(other *ToolRegistry) {
	if other == nil {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tool := range other.tools {
		cloned := *tool
		r.tools[name] = &cloned
	}
}

// Describe renders the definitions of the named tools for a system prompt.
// Names without a registered tool are skipped.
func (r *ToolRegistry) Describe(names []string) string {
	var sb strings.Builder
	for _, name := range names {
		tool := r.Get(name)
		if tool == nil {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n%s\n", tool.Definition.Name, tool.Definition.Description)
		if len(tool.Definition.Parameters) > 0 {
			params, err := json.MarshalIndent(tool.Definition.Parameters, "", "  ")
			if err == nil {
				fmt.Fprintf(&sb, "Parameters:\n```json\n%s\n```\n", params)
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// GetStringArg extracts a string argument from tool input.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from tool input.
func GetIntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument from tool input.
func GetBoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
