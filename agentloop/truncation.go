package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode selects which part of an oversized tool output survives.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// OutputLimit bounds the tool output recorded in an agent's history.
// Lines is applied after Chars; zero disables the line limit.
type OutputLimit struct {
	Chars int
	Lines int
	Mode  TruncationMode
}

const fallbackCharLimit = 30000

// DefaultOutputLimits are the per-tool limits used when Config has no
// override.
var DefaultOutputLimits = map[string]OutputLimit{
	"read_files":           {Chars: 50000, Mode: TruncateHeadTail},
	"run_terminal_command": {Chars: 30000, Lines: 256, Mode: TruncateHeadTail},
	"code_search":          {Chars: 20000, Lines: 200, Mode: TruncateTail},
	"find_files":           {Chars: 20000, Lines: 500, Mode: TruncateTail},
	"str_replace":          {Chars: 10000, Mode: TruncateTail},
	"apply_patch":          {Chars: 10000, Mode: TruncateTail},
	"write_file":           {Chars: 1000, Mode: TruncateTail},
	ToolSpawnAgents:        {Chars: 20000, Mode: TruncateHeadTail},
}

// limitFor resolves the limit of toolName, letting the char and line
// overrides replace the defaults independently.
func limitFor(toolName string, charOverrides, lineOverrides map[string]int) OutputLimit {
	limit, ok := DefaultOutputLimits[toolName]
	if !ok {
		limit = OutputLimit{Chars: fallbackCharLimit, Mode: TruncateHeadTail}
	}
	if n, ok := charOverrides[toolName]; ok {
		limit.Chars = n
	}
	if n, ok := lineOverrides[toolName]; ok {
		limit.Lines = n
	}
	return limit
}

// TruncateOutput cuts output down to maxChars and says how much was removed.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	removed := len(output) - maxChars
	if removed <= 0 {
		return output
	}
	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"The full output was streamed to the client.]\n\n", removed) + output[removed:]
	}
	head := maxChars / 2
	tail := maxChars - head
	return output[:head] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"The full output was streamed to the client. "+
			"Re-run the tool with narrower parameters to see the rest.]\n\n", removed) +
		output[len(output)-tail:]
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	omitted := len(lines) - maxLines
	if maxLines <= 0 || omitted <= 0 {
		return output
	}
	head := maxLines / 2
	var sb strings.Builder
	sb.WriteString(strings.Join(lines[:head], "\n"))
	fmt.Fprintf(&sb, "\n[... %d lines omitted ...]\n", omitted)
	sb.WriteString(strings.Join(lines[head+omitted:], "\n"))
	return sb.String()
}

// TruncateToolOutput applies the tool's char limit and then its line limit.
func TruncateToolOutput(output, toolName string, charOverrides, lineOverrides map[string]int) string {
	limit := limitFor(toolName, charOverrides, lineOverrides)
	return TruncateLines(TruncateOutput(output, limit.Chars, limit.Mode), limit.Lines)
}
