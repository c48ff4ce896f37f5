package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config   string `short:"c" default:"agentrt.toml" help:"Config file path (ignored when missing)"`
	LogLevel string `help:"Override the configured log level"`

	Run       RunCmd       `cmd:"" help:"Run an agent turn"`
	Templates TemplatesCmd `cmd:"" help:"List available agent templates"`
	Show      ShowCmd      `cmd:"" help:"Show a stored run and its steps"`
	Models    ModelsCmd    `cmd:"" help:"List known models and their prices"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
}

// RunCmd runs one agent turn and prints its output.
type RunCmd struct {
	Agent     string            `arg:"" help:"Agent template id (publisher/id@version or id)"`
	Prompt    string            `arg:"" optional:"" help:"User prompt"`
	Param     map[string]string `short:"p" help:"Spawn param key=value (repeatable)"`
	Templates string            `short:"t" help:"Templates directory (overrides config)"`
	Workspace string            `short:"w" help:"Working directory for file and shell tools"`
	Store     string            `help:"SQLite run store path (overrides config)"`
	Trace     bool              `help:"Write spans to stderr"`
	JSON      bool              `help:"Print stream chunks as JSON lines"`
}

// TemplatesCmd lists registered templates.
type TemplatesCmd struct {
	Templates string `short:"t" help:"Templates directory (overrides config)"`
}

// ShowCmd prints a run from the SQLite store.
type ShowCmd struct {
	RunID string `arg:"" help:"Run id"`
	Store string `help:"SQLite run store path (overrides config)"`
}

// ModelsCmd lists the model catalog.
type ModelsCmd struct {
	Provider string `arg:"" optional:"" help:"Only list models of this provider"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
