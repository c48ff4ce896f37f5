package agentloop

import (
	"context"
	"testing"
)

func runBuiltin(t *testing.T, scope *runScope, name string, input map[string]any) ToolResult {
	t.Helper()
	exec := newExecutor(scope)
	return exec.Enqueue(context.Background(), ToolCall{ToolName: name, ToolCallID: "c1", Input: input}, ToolCallOptions{}).Wait()
}

func TestSubgoalTools(t *testing.T) {
	scope := newTestScope(t, &AgentTemplate{ID: "base"}, nil)

	res := runBuiltin(t, scope, ToolAddSubgoal, map[string]any{"id": "1", "objective": "fix bug", "log": "started"})
	if res.IsError {
		t.Fatalf("add_subgoal: %s", res.Text())
	}
	res = runBuiltin(t, scope, ToolUpdateSubgoal, map[string]any{"id": "1", "status": "COMPLETE", "log": "done"})
	if res.IsError {
		t.Fatalf("update_subgoal: %s", res.Text())
	}

	goal := scope.state.AgentContext["1"]
	if goal == nil || goal.Objective != "fix bug" || goal.Status != SubgoalComplete {
		t.Fatalf("subgoal = %+v", goal)
	}
	if len(goal.Logs) != 2 || goal.Logs[1] != "done" {
		t.Errorf("logs = %v", goal.Logs)
	}

	res = runBuiltin(t, scope, ToolUpdateSubgoal, map[string]any{"id": "2"})
	if !res.IsError || errorMessage(t, res.Output) != `subgoal "2" not found` {
		t.Errorf("unknown subgoal result = %+v", res)
	}
	res = runBuiltin(t, scope, ToolAddSubgoal, map[string]any{"id": "3"})
	if !res.IsError {
		t.Error("add_subgoal without objective should fail")
	}
}

func TestSetOutputCopiesInput(t *testing.T) {
	scope := newTestScope(t, &AgentTemplate{ID: "base"}, nil)
	input := map[string]any{"answer": 42}

	runBuiltin(t, scope, ToolSetOutput, input)
	input["answer"] = 0

	if scope.state.Output["answer"] != 42 {
		t.Errorf("output = %v", scope.state.Output)
	}
}

func TestAddMessage(t *testing.T) {
	scope := newTestScope(t, &AgentTemplate{ID: "base"}, nil)

	runBuiltin(t, scope, ToolAddMessage, map[string]any{"role": "user", "content": "remember this"})
	if !historyContains(scope.state.MessageHistory, "remember this") {
		t.Error("message not appended")
	}

	res := runBuiltin(t, scope, ToolAddMessage, map[string]any{"role": "system", "content": "x"})
	if !res.IsError {
		t.Error("system role should be rejected")
	}
}

func TestSpawnAgentsOutsideRun(t *testing.T) {
	registry := NewToolRegistry()
	RegisterBuiltinTools(registry)
	tool := registry.Get(ToolSpawnAgents)
	if tool == nil {
		t.Fatal("spawn_agents not registered")
	}
	if _, err := tool.Handler(context.Background(), &ToolParams{Call: ToolCall{ToolName: ToolSpawnAgents}}); err == nil {
		t.Error("spawn_agents without a scope should fail")
	}
}
