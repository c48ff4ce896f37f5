package agentloop

import (
	"strings"
	"testing"
)

func TestExpireMessages(t *testing.T) {
	step := UserText("step")
	step.TimeToLive = TTLAgentStep
	prompt := UserText("prompt")
	prompt.TimeToLive = TTLUserPrompt
	pinned := UserText("pinned")
	pinned.TimeToLive = TTLAgentStep
	pinned.KeepDuringTruncation = true
	history := []Message{UserText("question"), step, prompt, pinned, AssistantText("answer")}

	tests := []struct {
		at   TimeToLive
		want []string
	}{
		{TTLAgentStep, []string{"question", "prompt", "pinned", "answer"}},
		{TTLUserPrompt, []string{"question", "pinned", "answer"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.at), func(t *testing.T) {
			got := texts(ExpireMessages(history, tt.at))
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
	if len(history) != 5 {
		t.Error("input history must not be modified")
	}
}

func TestExpireMessagesKeepLastTags(t *testing.T) {
	tagged := func(text string, tags ...string) Message {
		msg := UserText(text)
		msg.KeepLastTags = tags
		return msg
	}
	history := []Message{
		tagged("instructions v1", "INSTRUCTIONS"),
		tagged("files v1", "FILES"),
		UserText("plain"),
		tagged("instructions v2", "INSTRUCTIONS"),
		tagged("both", "FILES", "OTHER"),
	}

	got := texts(ExpireMessages(history, TTLAgentStep))
	want := []string{"plain", "instructions v2", "both"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMessageText(t *testing.T) {
	msg := Message{Role: RoleAssistant, Content: []ContentPart{
		TextPart("see "),
		JSONPart(map[string]any{"a": 1}),
		ImagePart("data:image/png;base64,AAAA", "image/png"),
		{Kind: PartToolCall, ToolCall: &ToolCall{ToolName: "end_turn", Input: map[string]any{}}},
	}}
	got := msg.Text()
	if !strings.HasPrefix(got, `see {"a":1}<tool_call>`) || !strings.Contains(got, `"tool_name":"end_turn"`) {
		t.Errorf("Text() = %q", got)
	}
}

func TestLastAssistantText(t *testing.T) {
	history := []Message{
		AssistantText("first"),
		UserText("question"),
		{Role: RoleAssistant, Content: []ContentPart{{Kind: PartToolCall, ToolCall: &ToolCall{ToolName: "end_turn"}}}},
	}
	if got := lastAssistantText(history); got != "first" {
		t.Errorf("lastAssistantText = %q, want first", got)
	}
	if got := lastAssistantText(nil); got != "" {
		t.Errorf("lastAssistantText(nil) = %q", got)
	}
}

func texts(history []Message) []string {
	out := make([]string, len(history))
	for i, msg := range history {
		out[i] = msg.Text()
	}
	return out
}
