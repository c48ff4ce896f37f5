package agentloop

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
)

// Tool calls travel in-band inside model text as
//
//	<tool_call>{"tool_name": "read_files", "paths": ["a.go"]}</tool_call>
const (
	ToolCallStart = "<tool_call>"
	ToolCallEnd   = "</tool_call>"
	ToolNameField = "tool_name"
)

// FormatToolCall renders call in its wire form.
func FormatToolCall(call ToolCall) string {
	body := make(map[string]any, len(call.Input)+1)
	maps.Copy(body, call.Input)
	body[ToolNameField] = call.ToolName
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(fmt.Sprintf(`{%q:%q}`, ToolNameField, call.ToolName))
	}
	return ToolCallStart + string(data) + ToolCallEnd
}

// ParsedCall is a decoded tool-call block.
type ParsedCall struct {
	ToolName string
	Input    map[string]any
	// Autocompleted is set when the block was unterminated at stream end and
	// its body was repaired before decoding.
	Autocompleted bool
}

// ParseError describes a block that could not be dispatched.
type ParseError struct {
	Kind     string `json:"kind"`
	ToolName string `json:"toolName,omitempty"`
	Message  string `json:"message"`
	Raw      string `json:"raw,omitempty"`
}

func (e ParseError) Error() string { return e.Message }

const parseErrorKind = "parse_error"

// BlockHandler receives a dispatched block. OnStart always runs before OnEnd.
type BlockHandler struct {
	OnStart func(call ParsedCall)
	OnEnd   func(call ParsedCall)
}

// ParserOptions wires a TagParser to its consumers. All callbacks run
// synchronously on the goroutine calling Write or Close.
type ParserOptions struct {
	Handlers map[string]BlockHandler
	// Fallback resolves tools missing from Handlers.
	Fallback func(toolName string) (BlockHandler, bool)

	OnText      func(text string)
	OnReasoning func(text string)
	OnError     func(err ParseError)
}

// TagParser extracts tool-call blocks from streamed text.
type TagParser struct {
	opts   ParserOptions
	buf    string
	closed bool

	dispatched    int
	autocompleted bool
}

// NewTagParser creates a parser.
func NewTagParser(opts ParserOptions) *TagParser {
	return &TagParser{opts: opts}
}

// Write feeds a text delta. Text before a complete start marker is emitted
// right away; anything that might begin a marker is held back.
func (p *TagParser) Write(text string) {
	if p.closed {
		return
	}
	p.buf += text
	p.drain()
}

// WriteReasoning passes reasoning through untouched.
func (p *TagParser) WriteReasoning(text string) {
	if p.opts.OnReasoning != nil && text != "" {
		p.opts.OnReasoning(text)
	}
}

// Close flushes the buffer. An unterminated block is repaired and dispatched.
func (p *TagParser) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if strings.HasPrefix(p.buf, ToolCallStart) {
		body := p.buf[len(ToolCallStart):]
		p.buf = ""
		p.autocompleted = true
		p.process(autocompleteBody(body), true)
		return
	}
	p.emitText(p.buf)
	p.buf = ""
}

// Dispatched returns the number of blocks handed to handlers.
func (p *TagParser) Dispatched() int { return p.dispatched }

// Autocompleted reports whether Close repaired an unterminated block.
func (p *TagParser) Autocompleted() bool { return p.autocompleted }

func (p *TagParser) drain() {
	for {
		idx := strings.Index(p.buf, ToolCallStart)
		if idx < 0 {
			keep := partialPrefixLen(p.buf, ToolCallStart)
			p.emitText(p.buf[:len(p.buf)-keep])
			p.buf = p.buf[len(p.buf)-keep:]
			return
		}
		if idx > 0 {
			p.emitText(p.buf[:idx])
			p.buf = p.buf[idx:]
		}

		rest := p.buf[len(ToolCallStart):]
		end := strings.Index(rest, ToolCallEnd)
		if end < 0 {
			return
		}
		body := rest[:end]
		p.buf = rest[end+len(ToolCallEnd):]
		p.process(body, false)
	}
}

func (p *TagParser) process(body string, autocompleted bool) {
	var input map[string]any
	if err := json.Unmarshal([]byte(body), &input); err != nil {
		p.fail(ParseError{Message: fmt.Sprintf("Invalid JSON in tool call: %v", err), Raw: body})
		return
	}

	name, _ := input[ToolNameField].(string)
	if name == "" {
		p.fail(ParseError{Message: fmt.Sprintf("Tool call is missing the %q field", ToolNameField), Raw: body})
		return
	}
	delete(input, ToolNameField)

	handler, ok := p.opts.Handlers[name]
	if !ok && p.opts.Fallback != nil {
		handler, ok = p.opts.Fallback(name)
	}
	if !ok {
		p.fail(ParseError{ToolName: name, Message: fmt.Sprintf("Tool not found: %s", name), Raw: body})
		return
	}

	call := ParsedCall{ToolName: name, Input: input, Autocompleted: autocompleted}
	p.dispatched++
	if handler.OnStart != nil {
		handler.OnStart(call)
	}
	if handler.OnEnd != nil {
		handler.OnEnd(call)
	}
}

func (p *TagParser) fail(err ParseError) {
	err.Kind = parseErrorKind
	if p.opts.OnError != nil {
		p.opts.OnError(err)
	}
}

func (p *TagParser) emitText(text string) {
	if text != "" && p.opts.OnText != nil {
		p.opts.OnText(text)
	}
}

// partialPrefixLen returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialPrefixLen(s, marker string) int {
	n := min(len(marker)-1, len(s))
	for k := n; k > 0; k-- {
		if strings.HasSuffix(s, marker[:k]) {
			return k
		}
	}
	return 0
}

// autocompleteBody closes a truncated JSON object body.
func autocompleteBody(body string) string {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), partialEnd(body)))
	if trimmed == "" {
		return "{}"
	}
	repaired, err := jsonrepair.RepairJSON(trimmed)
	if err == nil && json.Valid([]byte(repaired)) && strings.HasPrefix(strings.TrimSpace(repaired), "{") {
		return repaired
	}
	return trimmed + "}"
}

// partialEnd returns the trailing fragment of body that begins an end marker.
func partialEnd(body string) string {
	trimmed := strings.TrimSpace(body)
	return trimmed[len(trimmed)-partialPrefixLen(trimmed, ToolCallEnd):]
}
