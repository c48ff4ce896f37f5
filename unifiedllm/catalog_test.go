package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("claude-opus-4-6")
	if info == nil {
		t.Fatal("expected to find claude-opus-4-6")
	}
	if info.Provider != "anthropic" {
		t.Errorf("expected provider %q, got %q", "anthropic", info.Provider)
	}
	if info.ContextWindow != 200000 {
		t.Errorf("expected context window 200000, got %d", info.ContextWindow)
	}

	info = GetModelInfo("opus")
	if info == nil {
		t.Fatal("expected to find model by alias 'opus'")
	}
	if info.ID != "claude-opus-4-6" {
		t.Errorf("expected id %q, got %q", "claude-opus-4-6", info.ID)
	}

	if info := GetModelInfo("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %v", info)
	}
}

func TestListModels(t *testing.T) {
	all := ListModels("")
	if len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}

	tests := []struct {
		provider string
		want     int
	}{
		{"anthropic", 2},
		{"openai", 4},
		{"gemini", 2},
		{"nonexistent", 0},
	}
	for _, tt := range tests {
		got := ListModels(tt.provider)
		if len(got) != tt.want {
			t.Errorf("ListModels(%q): expected %d, got %d", tt.provider, tt.want, len(got))
		}
		for _, m := range got {
			if m.Provider != tt.provider {
				t.Errorf("expected provider %q, got %q", tt.provider, m.Provider)
			}
		}
	}
}

func TestGetLatestModel(t *testing.T) {
	info := GetLatestModel("anthropic", false)
	if info == nil || info.ID != "claude-opus-4-6" {
		t.Fatalf("expected claude-opus-4-6, got %v", info)
	}

	info = GetLatestModel("openai", true)
	if info == nil {
		t.Fatal("expected to find OpenAI reasoning model")
	}
	if !info.SupportsReasoning {
		t.Error("expected supports_reasoning = true")
	}

	if info := GetLatestModel("nonexistent", false); info != nil {
		t.Errorf("expected nil for nonexistent provider, got %v", info)
	}
}

func TestCreditsForUsage(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage Usage
		want  int
	}{
		// 1M input at $3 + 100k output at $15 = $4.50
		{"sonnet", "claude-sonnet-4-5", Usage{InputTokens: 1_000_000, OutputTokens: 100_000}, 450},
		// fractions of a cent round up
		{"tiny", "gpt-4o-mini", Usage{InputTokens: 10, OutputTokens: 10}, 1},
		{"zero usage", "gpt-4o-mini", Usage{}, 0},
		{"unknown model", "mystery", Usage{InputTokens: 1_000_000}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CreditsForUsage(tt.model, tt.usage); got != tt.want {
				t.Errorf("CreditsForUsage = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestModelInfoFields(t *testing.T) {
	for _, m := range Models {
		if m.ID == "" {
			t.Error("model ID must not be empty")
		}
		if m.Provider == "" {
			t.Errorf("model %q: provider must not be empty", m.ID)
		}
		if m.DisplayName == "" {
			t.Errorf("model %q: display_name must not be empty", m.ID)
		}
		if m.ContextWindow <= 0 {
			t.Errorf("model %q: context_window must be positive", m.ID)
		}
	}
}
