package agentloop

import (
	"context"
	"strings"
	"testing"
)

func TestParseNResponses(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		n       int
		want    []string
		wantErr bool
	}{
		{"array", `["a","b"]`, 2, []string{"a", "b"}, false},
		{"bare string", `"only"`, 1, []string{"only"}, false},
		{"plain text", "just text", 1, []string{"just text"}, false},
		{"plain text for many", "just text", 3, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNResponses(tt.raw, tt.n)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldEndTurn(t *testing.T) {
	calls := func(names ...string) []ToolCall {
		out := make([]ToolCall, len(names))
		for i, name := range names {
			out[i] = ToolCall{ToolName: name}
		}
		return out
	}
	tests := []struct {
		name     string
		tools    []string
		outcome  StepOutcome
		wantDone bool
	}{
		{"no calls", nil, StepOutcome{}, true},
		{"passive calls", nil, StepOutcome{ToolCalls: calls(ToolThinkDeeply, ToolSetOutput)}, true},
		{"active call", nil, StepOutcome{ToolCalls: calls(ToolThinkDeeply, "read_files")}, false},
		{"end_turn", nil, StepOutcome{ToolCalls: calls("read_files", ToolEndTurn), EndTurnCalled: true}, true},
		{"explicit completion without call", []string{ToolTaskCompleted}, StepOutcome{}, false},
		{"explicit completion with call", []string{ToolTaskCompleted}, StepOutcome{EndTurnCalled: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := newTestScope(t, &AgentTemplate{ID: "base", ToolNames: tt.tools}, nil)
			if got := scope.shouldEndTurn(tt.outcome); got != tt.wantDone {
				t.Errorf("shouldEndTurn = %v, want %v", got, tt.wantDone)
			}
		})
	}
}

func TestRunStepLimit(t *testing.T) {
	scope := newTestScope(t, &AgentTemplate{ID: "base"}, nil)
	scope.state.StepsRemaining = 0
	var sink collector
	scope.opts.Sink = sink.sink()

	out, err := scope.runStep(context.Background(), StepInput{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.ShouldEndTurn || !out.StepLimitReached {
		t.Errorf("outcome = %+v", out)
	}
	if lastAssistantText(scope.state.MessageHistory) != stepLimitWarning {
		t.Error("step limit warning not recorded")
	}
	if texts := sink.ofKind(ChunkText); len(texts) != 1 || texts[0].Text != stepLimitWarning {
		t.Errorf("chunks = %+v", texts)
	}
}

func TestRunStepTextOverride(t *testing.T) {
	tmpl := &AgentTemplate{ID: "base", StepPrompt: "keep going"}
	scope := newTestScope(t, tmpl, nil)
	text := "done " + FormatToolCall(ToolCall{ToolName: ToolEndTurn, Input: map[string]any{}})

	out, err := scope.runStep(context.Background(), StepInput{TextOverride: &text})
	if err != nil {
		t.Fatal(err)
	}
	if !out.EndTurnCalled || out.MessageID != "" || out.FullResponse != text {
		t.Errorf("outcome = %+v", out)
	}
	if historyContains(scope.state.MessageHistory, "keep going") {
		t.Error("step prompt should expire after the step")
	}
	if scope.state.StepsRemaining != 9 {
		t.Errorf("steps remaining = %d", scope.state.StepsRemaining)
	}
}
