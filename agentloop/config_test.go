package agentloop

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/agentrt/unifiedllm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentrt.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
max_agent_steps = 5
default_model = "gpt-5"
temperature = 0.7
log_level = "debug"

[tool_output_limits]
read_files = 100

[store]
path = "runs.db"

[retry]
max_retries = 4
base_delay_seconds = 0.5
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxAgentSteps != 5 || cfg.DefaultModel != "gpt-5" || cfg.Store.Path != "runs.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Temperature != 0.7 || cfg.MaxTokens != 8192 {
		t.Errorf("sampling = %d tokens at %v", cfg.MaxTokens, cfg.Temperature)
	}
	if cfg.ToolOutputLimits["read_files"] != 100 {
		t.Errorf("tool limits = %v", cfg.ToolOutputLimits)
	}
	// Unset keys keep their defaults.
	if !cfg.EnableLoopDetection || cfg.LoopDetectionWindow != 10 || cfg.Retry.MaxDelaySeconds != 60 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel = %v", cfg.SlogLevel())
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "max_agent_step = 5\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown keys max_agent_step") {
		t.Errorf("unknown key error = %v", err)
	}

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}
}

func TestSlogLevelFallback(t *testing.T) {
	for _, level := range []string{"", "loud"} {
		if got := (Config{LogLevel: level}).SlogLevel(); got != slog.LevelInfo {
			t.Errorf("SlogLevel(%q) = %v", level, got)
		}
	}
	if got := (Config{LogLevel: "WARN"}).SlogLevel(); got != slog.LevelWarn {
		t.Errorf("SlogLevel(WARN) = %v", got)
	}
}

func TestAdapterOptions(t *testing.T) {
	cfg := DefaultConfig()
	if n := len(cfg.AdapterOptions()); n != 2 {
		t.Errorf("info level: %d options, want 2", n)
	}
	cfg.LogLevel = "debug"
	if n := len(cfg.AdapterOptions()); n != 3 {
		t.Errorf("debug level: %d options, want 3", n)
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = RetryConfig{MaxRetries: 3, BaseDelaySeconds: 0.25, MaxDelaySeconds: 2}
	policy := cfg.RetryPolicy()

	if policy.MaxRetries != 3 || policy.BaseDelay != 250*time.Millisecond || policy.MaxDelay != 2*time.Second {
		t.Errorf("policy = %+v", policy)
	}
	rate := unifiedllm.ErrorFromStatusCode(429, "slow down", "openai", nil)
	if policy.ShouldRetry(rate) {
		t.Error("raw provider errors are not retried by the runtime policy")
	}
	if !policy.ShouldRetry(&RetryableError{Err: rate}) {
		t.Error("RetryableError must be retried")
	}
}
