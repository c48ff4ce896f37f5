package envtools

import (
	"strings"
	"testing"
)

func TestApplyPatchUpdate(t *testing.T) {
	env, _ := newTestEnv(t)
	if err := env.WriteFile("main.go", "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"); err != nil {
		t.Fatal(err)
	}

	patch := strings.Join([]string{
		"*** Begin Patch",
		"*** Update File: main.go",
		"@@ func main() {",
		" func main() {",
		"-\tprintln(\"hi\")",
		"+\tprintln(\"hello\")",
		" }",
		"*** End Patch",
	}, "\n")

	summary, err := ApplyPatch(env, patch)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if summary != "Updated: main.go" {
		t.Errorf("summary = %q", summary)
	}
	got, _ := env.ReadFile("main.go")
	if !strings.Contains(got, `println("hello")`) || strings.Contains(got, `println("hi")`) {
		t.Errorf("unexpected content:\n%s", got)
	}
}

func TestApplyPatchAddDeleteMove(t *testing.T) {
	env, _ := newTestEnv(t)
	env.WriteFile("old.txt", "gone")
	env.WriteFile("a.txt", "one\ntwo")

	patch := strings.Join([]string{
		"*** Begin Patch",
		"*** Add File: new.txt",
		"+first",
		"+second",
		"*** Delete File: old.txt",
		"*** Update File: a.txt",
		"*** Move to: b.txt",
		"@@",
		" one",
		"-two",
		"+three",
		"*** End Patch",
	}, "\n")

	if _, err := ApplyPatch(env, patch); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if got, _ := env.ReadFile("new.txt"); got != "first\nsecond" {
		t.Errorf("new.txt = %q", got)
	}
	if env.FileExists("old.txt") {
		t.Error("old.txt should be deleted")
	}
	if env.FileExists("a.txt") {
		t.Error("a.txt should be moved")
	}
	if got, _ := env.ReadFile("b.txt"); got != "one\nthree" {
		t.Errorf("b.txt = %q", got)
	}
}

func TestApplyPatchRejectsMismatchedContext(t *testing.T) {
	env, _ := newTestEnv(t)
	env.WriteFile("a.txt", "alpha\nbeta")

	patch := "*** Begin Patch\n*** Update File: a.txt\n@@\n gamma\n-beta\n+delta\n*** End Patch"
	if _, err := ApplyPatch(env, patch); err == nil || !strings.Contains(err.Error(), "context not found") {
		t.Fatalf("expected context error, got %v", err)
	}
	if got, _ := env.ReadFile("a.txt"); got != "alpha\nbeta" {
		t.Errorf("file changed on failure: %q", got)
	}
}

func TestApplyPatchRequiresHeader(t *testing.T) {
	env, _ := newTestEnv(t)
	if _, err := ApplyPatch(env, "*** Update File: a.txt\n@@\n-a"); err == nil {
		t.Fatal("expected missing header error")
	}
}

func TestApplyPatchTool(t *testing.T) {
	env, reg := newTestEnv(t)
	out, err := call(t, reg, ToolApplyPatch, map[string]any{
		"patch": "*** Begin Patch\n*** Add File: notes.md\n+# Notes\n*** End Patch",
	})
	if err != nil {
		t.Fatalf("apply_patch: %v", err)
	}
	if got := outputText(out); got != "Created: notes.md" {
		t.Errorf("output = %q", got)
	}
	if got, _ := env.ReadFile("notes.md"); got != "# Notes" {
		t.Errorf("notes.md = %q", got)
	}

	if _, err := call(t, reg, ToolApplyPatch, map[string]any{}); err == nil {
		t.Error("expected error for missing patch")
	}
}
