package agentloop

import (
	"context"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	parent, err := store.StartRun(ctx, RunRecord{AgentID: "a1", AgentType: "base"})
	if err != nil {
		t.Fatal(err)
	}
	ancestors := []string{parent}
	child, err := store.StartRun(ctx, RunRecord{AgentID: "a2", AgentType: "helper", ParentRunID: parent, AncestorRunIDs: ancestors})
	if err != nil {
		t.Fatal(err)
	}
	ancestors[0] = "mutated"

	if _, err := store.AddStep(ctx, StepRecord{RunID: parent, StepNumber: 1, Status: StepCompleted, Credits: 3, ChildRunIDs: []string{child}}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddStep(ctx, StepRecord{RunID: "nope"}); err == nil {
		t.Error("AddStep on unknown run should fail")
	}
	if err := store.FinishRun(ctx, parent, RunCompleted, RunTotals{CreditsUsed: 5, DirectCreditsUsed: 3}); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(ctx, "nope", RunFailed, RunTotals{}); err == nil {
		t.Error("FinishRun on unknown run should fail")
	}

	run, ok := store.Run(parent)
	if !ok || run.Status != RunCompleted || run.CreditsUsed != 5 || run.FinishedAt.IsZero() {
		t.Errorf("parent run = %+v", run)
	}
	childRun, _ := store.Run(child)
	if childRun.Status != RunRunning || childRun.AncestorRunIDs[0] != parent {
		t.Errorf("child run = %+v", childRun)
	}
	if runs := store.Runs(); len(runs) != 2 || runs[0].RunID != parent {
		t.Errorf("runs = %+v", runs)
	}
	steps := store.Steps(parent)
	if len(steps) != 1 || steps[0].StepID == "" || steps[0].ChildRunIDs[0] != child {
		t.Errorf("steps = %+v", steps)
	}
}
