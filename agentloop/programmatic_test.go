package agentloop

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
)

func TestProgramToolCallThenStep(t *testing.T) {
	model := scripted("thinking it over")
	var sawResult *ToolResult
	tmpl := &AgentTemplate{
		ID:         "planner",
		OutputMode: OutputModeStructured,
		Program: func(sc *StepContext) iter.Seq2[Instruction, error] {
			return func(yield func(Instruction, error) bool) {
				if !yield(CallTool(ToolAddSubgoal, map[string]any{"id": "1", "objective": "plan"}), nil) {
					return
				}
				sawResult = sc.LastToolResult
				if !yield(Step(), nil) {
					return
				}
				yield(CallTool(ToolSetOutput, map[string]any{"steps": float64(len(sc.AgentState.MessageHistory))}), nil)
			}
		},
	}
	rt, store := newTestRuntime(t, model, tmpl)

	result, err := rt.Run(context.Background(), RunOptions{AgentType: "planner", Prompt: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sawResult == nil || sawResult.ToolName != ToolAddSubgoal || sawResult.IsError {
		t.Errorf("LastToolResult = %+v", sawResult)
	}
	if model.calls() != 1 {
		t.Errorf("model called %d times, want 1", model.calls())
	}
	if result.Output.Type != OutputStructured {
		t.Fatalf("output type = %q", result.Output.Type)
	}
	if _, ok := result.Output.Value.(map[string]any)["steps"]; !ok {
		t.Errorf("output = %#v", result.Output.Value)
	}
	if _, ok := result.State.AgentContext["1"]; !ok {
		t.Error("subgoal not recorded")
	}
	if rt.Programs().Len() != 0 {
		t.Error("generator should be discarded at turn end")
	}
	run, _ := store.Run(result.State.RunID)
	if run.Status != RunCompleted {
		t.Errorf("run status = %q", run.Status)
	}
}

func TestProgramStepAllWaitsForModel(t *testing.T) {
	custom := NewToolRegistry()
	custom.Register(RegisteredTool{
		Definition: ToolDefinition{Name: "noop"},
		Handler: func(ctx context.Context, p *ToolParams) (ToolOutput, error) {
			return TextOutput("ok"), nil
		},
	})
	model := scripted(`working <tool_call>{"tool_name":"noop"}</tool_call>`, "all done")

	var stepsComplete bool
	tmpl := &AgentTemplate{
		ID: "driver",
		Program: func(sc *StepContext) iter.Seq2[Instruction, error] {
			return func(yield func(Instruction, error) bool) {
				if !yield(StepAll(), nil) {
					return
				}
				stepsComplete = sc.StepsComplete
				yield(CallTool(ToolEndTurn, nil), nil)
			}
		},
	}
	rt, _ := newTestRuntime(t, model, tmpl)

	result, err := rt.Run(context.Background(), RunOptions{AgentType: "driver", Prompt: "go", CustomTools: custom})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if model.calls() != 2 {
		t.Errorf("model called %d times, want 2", model.calls())
	}
	if !stepsComplete {
		t.Error("program resumed before the model finished its steps")
	}
	if got := result.Output.Value; got != "all done" {
		t.Errorf("output = %#v", got)
	}
}

func TestProgramStepTextSkipsModel(t *testing.T) {
	model := scripted()
	tmpl := &AgentTemplate{
		ID:         "scripted",
		OutputMode: OutputModeStructured,
		Program: func(sc *StepContext) iter.Seq2[Instruction, error] {
			return func(yield func(Instruction, error) bool) {
				yield(StepText(`Answer: <tool_call>{"tool_name":"set_output","answer":42}</tool_call>`), nil)
			}
		},
	}
	rt, _ := newTestRuntime(t, model, tmpl)

	result, err := rt.Run(context.Background(), RunOptions{AgentType: "scripted"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if model.calls() != 0 {
		t.Errorf("model called %d times, want 0", model.calls())
	}
	if v := result.Output.Value.(map[string]any)["answer"]; v != float64(42) {
		t.Errorf("answer = %#v", v)
	}
}

func TestProgramGenerateN(t *testing.T) {
	model := scripted()
	model.nReply = `["first", "second"]`
	model.credits = 3

	var got []string
	tmpl := &AgentTemplate{
		ID: "sampler",
		Program: func(sc *StepContext) iter.Seq2[Instruction, error] {
			return func(yield func(Instruction, error) bool) {
				if !yield(GenerateN(2), nil) {
					return
				}
				got = sc.NResponses
			}
		},
	}
	rt, _ := newTestRuntime(t, model, tmpl)

	result, err := rt.Run(context.Background(), RunOptions{AgentType: "sampler"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(got, ",") != "first,second" {
		t.Errorf("NResponses = %v", got)
	}
	if result.State.CreditsUsed != 3 {
		t.Errorf("credits = %d, want 3", result.State.CreditsUsed)
	}
}

func TestProgramErrorEndsTurn(t *testing.T) {
	tests := []struct {
		name    string
		program StepProgram
		want    string
	}{
		{
			name: "yielded error",
			program: func(sc *StepContext) iter.Seq2[Instruction, error] {
				return func(yield func(Instruction, error) bool) {
					yield(Instruction{}, errors.New("boom"))
				}
			},
			want: "boom",
		},
		{
			name: "panic",
			program: func(sc *StepContext) iter.Seq2[Instruction, error] {
				return func(yield func(Instruction, error) bool) {
					panic("kaboom")
				}
			},
			want: "panic: kaboom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := scripted("never")
			rt, store := newTestRuntime(t, model, &AgentTemplate{ID: "fragile", Program: tt.program})
			var sink collector

			result, err := rt.Run(context.Background(), RunOptions{AgentType: "fragile", Sink: sink.sink()})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if model.calls() != 0 {
				t.Error("model should not be called after a program error")
			}
			msg, _ := result.State.Output["error"].(string)
			if !strings.Contains(msg, "Error running step program for agent fragile") || !strings.Contains(msg, tt.want) {
				t.Errorf("Output[error] = %q", msg)
			}
			if errs := sink.ofKind(ChunkError); len(errs) != 1 || errs[0].Text != msg {
				t.Errorf("error chunks = %+v", errs)
			}
			steps := store.Steps(result.State.RunID)
			if len(steps) != 1 || steps[0].Status != StepSkipped || steps[0].ErrorMessage != msg {
				t.Errorf("steps = %+v", steps)
			}
			if run, _ := store.Run(result.State.RunID); run.Status != RunCompleted {
				t.Errorf("run status = %q", run.Status)
			}
		})
	}
}

func TestProgramRunnerClear(t *testing.T) {
	runner := NewProgramRunner()
	stopped := false
	tmpl := &AgentTemplate{
		ID: "p",
		Program: func(sc *StepContext) iter.Seq2[Instruction, error] {
			return func(yield func(Instruction, error) bool) {
				defer func() { stopped = true }()
				for yield(Step(), nil) {
				}
			}
		},
	}
	scope := newTestScope(t, tmpl, nil)
	scope.state.RunID = "run-1"

	res := runner.RunRound(context.Background(), RoundInput{Template: tmpl, State: scope.state, Executor: newExecutor(scope)})
	if res.EndTurn || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if runner.Len() != 1 {
		t.Fatalf("Len() = %d", runner.Len())
	}
	runner.Clear()
	if runner.Len() != 0 || !stopped {
		t.Errorf("Clear should stop generators (len=%d stopped=%v)", runner.Len(), stopped)
	}
}
