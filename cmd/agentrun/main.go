// Command agentrun runs agent templates from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/martinemde/agentrt/agentloop"
	"github.com/martinemde/agentrt/envtools"
	"github.com/martinemde/agentrt/runstore"
	"github.com/martinemde/agentrt/unifiedllm"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agentrun"),
		kong.Description("Run AI coding agents defined by YAML templates."),
		kong.UsageOnError(),
		kongVars(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := kctx.Run(&globals{ctx: ctx, cli: &cli})
	kctx.FatalIfErrorf(err)
}

// globals is passed to every command's Run method.
type globals struct {
	ctx context.Context
	cli *CLI
}

func (g *globals) config() (agentloop.Config, error) {
	cfg, err := agentloop.LoadConfig(g.cli.Config)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = agentloop.DefaultConfig(), nil
	}
	if err != nil {
		return cfg, err
	}
	if g.cli.LogLevel != "" {
		cfg.LogLevel = g.cli.LogLevel
	}
	return cfg, nil
}

func newLogger(cfg agentloop.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func loadTemplates(dir string) (*agentloop.TemplateRegistry, error) {
	registry := agentloop.NewTemplateRegistry()
	if dir == "" {
		return registry, nil
	}
	if err := registry.LoadTemplates(dir); err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	return registry, nil
}

func (c *RunCmd) Run(g *globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if c.Templates != "" {
		cfg.TemplatesDir = c.Templates
	}
	if c.Workspace != "" {
		cfg.WorkingDir = c.Workspace
	}
	if c.Store != "" {
		cfg.Store.Path = c.Store
	}

	templates, err := loadTemplates(cfg.TemplatesDir)
	if err != nil {
		return err
	}

	env, err := envtools.NewLocal(cfg.WorkingDir)
	if err != nil {
		return err
	}
	tools := agentloop.NewToolRegistry()
	opts := envtools.DefaultOptions()
	if cfg.CommandTimeoutMs > 0 {
		opts.DefaultTimeout = time.Duration(cfg.CommandTimeoutMs) * time.Millisecond
	}
	envtools.Register(tools, env, opts)
	logger.Debug("environment tools registered", "count", tools.Count(), "working_dir", env.WorkingDirectory())

	store, closeStore, err := runstore.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer closeStore()

	runtimeOpts := []agentloop.RuntimeOption{
		agentloop.WithConfig(cfg),
		agentloop.WithLogger(logger),
		agentloop.WithStore(store),
		agentloop.WithTools(tools),
		agentloop.WithWorkspace(env),
	}
	if c.Trace {
		tp, err := newTracerProvider(os.Stderr)
		if err != nil {
			return err
		}
		defer tp.Shutdown(context.WithoutCancel(g.ctx))
		runtimeOpts = append(runtimeOpts, agentloop.WithTracer(tp.Tracer("agentrun")))
	}

	client := unifiedllm.NewClientFromEnv(cfg.Providers,
		unifiedllm.WithAdapterOptions(cfg.AdapterOptions()...),
		unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)),
		unifiedllm.WithStreamMiddleware(unifiedllm.StreamLoggingMiddleware(logger)),
	)
	defer client.Close()
	if len(client.Providers()) == 0 {
		return fmt.Errorf("no LLM provider configured; set an API key for one of %s", strings.Join(cfg.Providers, ", "))
	}

	rt := agentloop.NewRuntime(agentloop.NewLLMModel(client, cfg.DefaultModel), templates, runtimeOpts...)

	emitter := agentloop.NewEventEmitter(256)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printChunks(os.Stdout, emitter.Events(), c.JSON)
	}()

	params := make(map[string]any, len(c.Param))
	for k, v := range c.Param {
		params[k] = v
	}

	var state *agentloop.AgentState
	result, err := unifiedllm.Retry(g.ctx, cfg.RetryPolicy(), func(ctx context.Context) (*agentloop.RunResult, error) {
		result, err := rt.Run(ctx, agentloop.RunOptions{
			AgentType:   c.Agent,
			Prompt:      c.Prompt,
			SpawnParams: params,
			State:       state,
			Retry:       state != nil,
			Sink:        emitter.Sink(),
		})
		if err != nil && result != nil {
			state = result.State
		}
		return result, err
	})
	emitter.Close()
	<-printed
	if err != nil {
		return err
	}

	logger.Info("run finished",
		"run_id", result.State.RunID,
		"credits", result.State.CreditsUsed,
		"steps_remaining", result.State.StepsRemaining,
	)
	if result.Output.Type == agentloop.OutputError {
		return errors.New(result.Output.Message)
	}
	if result.Output.Type == agentloop.OutputStructured {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Output.Value)
	}
	return nil
}

func newTracerProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("build exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)), nil
}

// printChunks renders the chunk stream. Subagent output is indented under
// its parent.
func printChunks(w io.Writer, chunks <-chan agentloop.Chunk, asJSON bool) {
	enc := json.NewEncoder(w)
	for c := range chunks {
		if asJSON {
			_ = enc.Encode(c)
			continue
		}
		switch c.Kind {
		case agentloop.ChunkText:
			if c.ParentAgentID == "" {
				fmt.Fprint(w, c.Text)
			}
		case agentloop.ChunkSubagentText:
			fmt.Fprint(w, indent(c.Text))
		case agentloop.ChunkToolCall:
			if c.ToolCall == nil {
				continue
			}
			fmt.Fprintf(w, "\n[%s] %s\n", c.AgentType, c.ToolCall.ToolName)
		case agentloop.ChunkSubagentStart:
			fmt.Fprintf(w, "\n>> %s started\n", c.AgentType)
		case agentloop.ChunkSubagentFinish:
			fmt.Fprintf(w, "\n<< %s finished\n", c.AgentType)
		case agentloop.ChunkError:
			fmt.Fprintf(os.Stderr, "error: %s\n", c.Text)
		case agentloop.ChunkFinish:
			fmt.Fprintln(w)
		}
	}
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n    ")
}

func (c *TemplatesCmd) Run(g *globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	if c.Templates != "" {
		cfg.TemplatesDir = c.Templates
	}
	templates, err := loadTemplates(cfg.TemplatesDir)
	if err != nil {
		return err
	}
	for _, id := range templates.IDs() {
		t, _ := templates.Get(id)
		fmt.Printf("%-40s %s\n", t.FullID(), t.Name())
	}
	return nil
}

func (c *ShowCmd) Run(g *globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	if c.Store != "" {
		cfg.Store.Path = c.Store
	}
	if cfg.Store.Path == "" {
		return errors.New("show needs a SQLite store; set store.path or --store")
	}
	store, err := runstore.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Run(g.ctx, c.RunID)
	if err != nil {
		return err
	}
	steps, err := store.Steps(g.ctx, c.RunID)
	if err != nil {
		return err
	}
	children, err := store.Children(g.ctx, c.RunID)
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", run.RunID)
	fmt.Printf("Agent:    %s (%s)\n", run.AgentType, run.AgentID)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Credits:  %d total, %d direct\n", run.CreditsUsed, run.DirectCreditsUsed)
	if run.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", run.ErrorMessage)
	}
	fmt.Printf("Steps:    %d\n", len(steps))
	for _, step := range steps {
		fmt.Printf("  #%-3d %-9s credits=%d children=%d %s\n",
			step.StepNumber, step.Status, step.Credits, len(step.ChildRunIDs), step.ErrorMessage)
	}
	for _, id := range children {
		fmt.Printf("  child %s\n", id)
	}
	return nil
}

func (c *ModelsCmd) Run(g *globals) error {
	models := unifiedllm.ListModels(c.Provider)
	if len(models) == 0 {
		return fmt.Errorf("no models known for provider %q", c.Provider)
	}
	for _, m := range models {
		price := "-"
		if m.InputCostPerMillion != nil && m.OutputCostPerMillion != nil {
			price = fmt.Sprintf("$%.2f/$%.2f", *m.InputCostPerMillion, *m.OutputCostPerMillion)
		}
		fmt.Printf("%-12s %-40s %9d %s\n", m.Provider, m.ID, m.ContextWindow, price)
	}
	return nil
}

func (c *VersionCmd) Run(g *globals) error {
	fmt.Printf("agentrun %s (%s)\n", version, commit)
	return nil
}
