package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateOutput(t *testing.T) {
	output := strings.Repeat("a", 50) + strings.Repeat("b", 50)

	if got := TruncateOutput(output, 200, TruncateHeadTail); got != output {
		t.Error("output under the limit must be unchanged")
	}

	got := TruncateOutput(output, 20, TruncateHeadTail)
	if !strings.HasPrefix(got, strings.Repeat("a", 10)+"\n\n[WARNING") || !strings.HasSuffix(got, strings.Repeat("b", 10)) {
		t.Errorf("head_tail = %q", got)
	}
	if !strings.Contains(got, "80 characters were removed from the middle") {
		t.Errorf("head_tail warning = %q", got)
	}

	got = TruncateOutput(output, 20, TruncateTail)
	if !strings.HasPrefix(got, "[WARNING: Tool output was truncated. First 80 characters were removed.") || !strings.HasSuffix(got, "\n\n"+strings.Repeat("b", 20)) {
		t.Errorf("tail = %q", got)
	}
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = string(rune('0' + i))
	}
	got := TruncateLines(strings.Join(lines, "\n"), 4)
	want := "0\n1\n[... 6 lines omitted ...]\n8\n9"
	if got != want {
		t.Errorf("TruncateLines = %q, want %q", got, want)
	}
	if got := TruncateLines("a\nb", 4); got != "a\nb" {
		t.Errorf("short output changed: %q", got)
	}
}

func TestTruncateToolOutputLimits(t *testing.T) {
	output := strings.Repeat("x", 2000)

	if got := TruncateToolOutput(output, "write_file", nil, nil); len(got) >= 2000 || !strings.HasSuffix(got, strings.Repeat("x", 1000)) {
		t.Errorf("default write_file limit not applied: %d chars", len(got))
	}
	if got := TruncateToolOutput(output, "write_file", map[string]int{"write_file": 5000}, nil); got != output {
		t.Error("override limit not applied")
	}
	if got := TruncateToolOutput(output, "custom_tool", nil, nil); got != output {
		t.Error("fallback limit should keep 2000 characters")
	}

	many := strings.Repeat("line\n", 300)
	got := TruncateToolOutput(many, "run_terminal_command", nil, map[string]int{"run_terminal_command": 10})
	if !strings.Contains(got, "lines omitted") || strings.Count(got, "\n") > 11 {
		t.Errorf("line limit not applied: %d lines", strings.Count(got, "\n"))
	}
}
