package agentloop

import "testing"

func callMessage(name string, input map[string]any) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{{Kind: PartToolCall, ToolCall: &ToolCall{ToolName: name, Input: input}}}}
}

func TestDetectLoop(t *testing.T) {
	read := func(path string) Message { return callMessage("read_files", map[string]any{"paths": []any{path}}) }

	tests := []struct {
		name    string
		history []Message
		window  int
		want    bool
	}{
		{"same call repeated", []Message{read("a"), read("a"), read("a"), read("a")}, 4, true},
		{"alternating pair", []Message{read("a"), read("b"), read("a"), read("b")}, 4, true},
		{"triple cycle", []Message{read("a"), read("b"), read("c"), read("a"), read("b"), read("c")}, 6, true},
		{"varied calls", []Message{read("a"), read("b"), read("c"), read("d")}, 4, false},
		{"too few calls", []Message{read("a"), read("a")}, 4, false},
		{"disabled", []Message{read("a"), read("a")}, 0, false},
		{"text between calls", []Message{read("a"), UserText("ok"), read("a"), AssistantText("hm"), read("a")}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLoop(tt.history, tt.window); got != tt.want {
				t.Errorf("DetectLoop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolCallSignatureIgnoresKeyOrder(t *testing.T) {
	a := &ToolCall{ToolName: "x", Input: map[string]any{"a": 1, "b": 2}}
	b := &ToolCall{ToolName: "x", Input: map[string]any{"b": 2, "a": 1}}
	if toolCallSignature(a) != toolCallSignature(b) {
		t.Error("signatures differ for equal inputs")
	}
	c := &ToolCall{ToolName: "y", Input: map[string]any{"a": 1, "b": 2}}
	if toolCallSignature(a) == toolCallSignature(c) {
		t.Error("signatures equal for different tools")
	}
}
