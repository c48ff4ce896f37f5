package agentloop

import (
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseAgentRef(t *testing.T) {
	tests := []struct {
		in   string
		want AgentRef
		ok   bool
	}{
		{"thinker", AgentRef{ID: "thinker"}, true},
		{"thinker@1.2.0", AgentRef{ID: "thinker", Version: "1.2.0"}, true},
		{"codebuff/thinker", AgentRef{Publisher: "codebuff", ID: "thinker"}, true},
		{" codebuff/thinker@1.2.0 ", AgentRef{Publisher: "codebuff", ID: "thinker", Version: "1.2.0"}, true},
		{"", AgentRef{}, false},
		{"thinker@", AgentRef{}, false},
		{"/thinker", AgentRef{}, false},
		{"a/b/c", AgentRef{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseAgentRef(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseAgentRef(%q) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.ok)
			}
			if ok && got.String() != strings.TrimSpace(tt.in) {
				t.Errorf("String() = %q", got.String())
			}
		})
	}
}

func TestRegistryGet(t *testing.T) {
	registry := NewTemplateRegistry()
	if err := registry.Register(&AgentTemplate{ID: "thinker", Publisher: "codebuff", Version: "1.0.0"}); err != nil {
		t.Fatal(err)
	}
	for ref, want := range map[string]bool{
		"thinker":                true,
		"codebuff/thinker@1.0.0": true,
		"thinker@1.0":            true,
		"thinker@2.0.0":          false,
		"acme/thinker":           false,
		"writer":                 false,
	} {
		if _, ok := registry.Get(ref); ok != want {
			t.Errorf("Get(%q) found = %v, want %v", ref, ok, want)
		}
	}
	if err := registry.Register(&AgentTemplate{}); err == nil {
		t.Error("template without id should be rejected")
	}
}

func TestLoadTemplates(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"planner.yaml": `
id: planner
publisher: acme
version: 1.0.0
display_name: Planner
system_prompt: You plan.
tool_names: [spawn_agents, end_turn]
spawnable_agents: [helper]
output_mode: structured_output
output_schema:
  type: object
input_schema:
  params:
    type: object
    required: [goal]
`,
		"scripted.yml": `
id: scripted
program: echo
`,
		"notes.txt": "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	registry := NewTemplateRegistry()
	registry.RegisterProgram("echo", func(sc *StepContext) iter.Seq2[Instruction, error] {
		return func(yield func(Instruction, error) bool) {}
	})
	if err := registry.LoadTemplates(dir); err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}

	if ids := registry.IDs(); strings.Join(ids, ",") != "planner,scripted" {
		t.Errorf("IDs = %v", ids)
	}
	planner, _ := registry.Get("acme/planner@1.0.0")
	if planner == nil || planner.Name() != "Planner" || planner.OutputMode != OutputModeStructured {
		t.Fatalf("planner = %+v", planner)
	}
	if !planner.HasTool(ToolSpawnAgents) || planner.RequiresExplicitCompletion() {
		t.Errorf("tools = %v", planner.ToolNames)
	}
	if planner.InputSchema == nil || planner.InputSchema.Params["type"] != "object" {
		t.Errorf("input schema = %+v", planner.InputSchema)
	}
	scripted, _ := registry.Get("scripted")
	if scripted == nil || scripted.Program == nil || scripted.OutputMode != OutputModeLastMessage {
		t.Errorf("scripted = %+v", scripted)
	}
}

func TestLoadTemplatesUnknownProgram(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("id: a\nprogram: missing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := NewTemplateRegistry().LoadTemplates(dir)
	if err == nil || !strings.Contains(err.Error(), `unknown program "missing"`) {
		t.Errorf("err = %v", err)
	}
}
