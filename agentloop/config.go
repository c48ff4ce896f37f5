package agentloop

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/martinemde/agentrt/unifiedllm"
	"github.com/teilomillet/gollm"
)

// Config holds runtime settings.
type Config struct {
	MaxAgentSteps             int            `toml:"max_agent_steps"`
	ExpireUserPromptOnTurnEnd bool           `toml:"expire_user_prompt_on_turn_end"`
	EnableLoopDetection       bool           `toml:"enable_loop_detection"`
	LoopDetectionWindow       int            `toml:"loop_detection_window"`
	ToolOutputLimits          map[string]int `toml:"tool_output_limits"`
	ToolLineLimits            map[string]int `toml:"tool_line_limits"`
	DefaultModel              string         `toml:"default_model"`
	MaxTokens                 int            `toml:"max_tokens"`
	Temperature               float64        `toml:"temperature"`
	LogLevel                  string         `toml:"log_level"`
	Providers                 []string       `toml:"providers"`
	TemplatesDir              string         `toml:"templates_dir"`
	WorkingDir                string         `toml:"working_dir"`
	CommandTimeoutMs          int            `toml:"command_timeout_ms"`

	Store StoreConfig `toml:"store"`
	Retry RetryConfig `toml:"retry"`
}

// StoreConfig selects run persistence. An empty path keeps runs in memory.
type StoreConfig struct {
	Path string `toml:"path"`
}

// RetryConfig configures the outer retry applied to RetryableError.
type RetryConfig struct {
	MaxRetries       int     `toml:"max_retries"`
	BaseDelaySeconds float64 `toml:"base_delay_seconds"`
	MaxDelaySeconds  float64 `toml:"max_delay_seconds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgentSteps:             25,
		ExpireUserPromptOnTurnEnd: true,
		EnableLoopDetection:       true,
		LoopDetectionWindow:       10,
		ToolOutputLimits:          map[string]int{},
		ToolLineLimits:            map[string]int{},
		DefaultModel:              "claude-sonnet-4-5",
		MaxTokens:                 8192,
		Temperature:               0.3,
		LogLevel:                  "info",
		Providers:                 []string{"anthropic", "openai"},
		CommandTimeoutMs:          120000,
		Retry: RetryConfig{
			MaxRetries:       2,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  60,
		},
	}
}

// LoadConfig reads a TOML file over DefaultConfig. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// AdapterOptions returns the sampling defaults for provider adapters.
// gollm's own logging is raised to debug along with LogLevel.
func (c Config) AdapterOptions() []unifiedllm.GollmAdapterOption {
	opts := []unifiedllm.GollmAdapterOption{
		unifiedllm.WithMaxTokens(c.MaxTokens),
		unifiedllm.WithTemperature(c.Temperature),
	}
	if c.SlogLevel() <= slog.LevelDebug {
		opts = append(opts, unifiedllm.WithGollmOptions(gollm.SetLogLevel(gollm.LogLevelDebug)))
	}
	return opts
}

// RetryPolicy converts the retry settings into a policy that retries only
// RetryableError.
func (c Config) RetryPolicy() unifiedllm.RetryPolicy {
	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = c.Retry.MaxRetries
	if c.Retry.BaseDelaySeconds > 0 {
		policy.BaseDelay = time.Duration(c.Retry.BaseDelaySeconds * float64(time.Second))
	}
	if c.Retry.MaxDelaySeconds > 0 {
		policy.MaxDelay = time.Duration(c.Retry.MaxDelaySeconds * float64(time.Second))
	}
	policy.ShouldRetry = IsRetryable
	return policy
}
