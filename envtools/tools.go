package envtools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/agentrt/agentloop"
)

// Tool names.
const (
	ToolReadFiles          = "read_files"
	ToolWriteFile          = "write_file"
	ToolStrReplace         = "str_replace"
	ToolRunTerminalCommand = "run_terminal_command"
	ToolCodeSearch         = "code_search"
	ToolFindFiles          = "find_files"
	ToolApplyPatch         = "apply_patch"
)

// MissingFile is reported by read_files for paths that do not exist.
const MissingFile = "[FILE_DOES_NOT_EXIST]"

// Options bound the shell tool.
type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// DefaultOptions returns the default command timeouts.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout: 2 * time.Minute,
		MaxTimeout:     10 * time.Minute,
	}
}

// Register adds the environment tools to reg. The tools act on env.
func Register(reg *agentloop.ToolRegistry, env Environment, opts Options) {
	registerReadFiles(reg, env)
	registerWriteFile(reg, env)
	registerStrReplace(reg, env)
	registerRunTerminalCommand(reg, env, opts)
	registerCodeSearch(reg, env)
	registerFindFiles(reg, env)
	registerApplyPatch(reg, env)
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func registerReadFiles(reg *agentloop.ToolRegistry, env Environment) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        ToolReadFiles,
			Description: "Read one or more files. Returns an object mapping each path to its content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"paths": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Paths relative to the project root.",
					},
				},
				"required": []string{"paths"},
			},
		},
		Handler: func(ctx context.Context, p *agentloop.ToolParams) (agentloop.ToolOutput, error) {
			var in struct {
				Paths []string `json:"paths"`
			}
			if err := p.Decode(&in); err != nil {
				return nil, err
			}
			if len(in.Paths) == 0 {
				return nil, errors.New("paths is required")
			}
			files := make(map[string]string, len(in.Paths))
			for _, path := range in.Paths {
				if !env.FileExists(path) {
					files[path] = MissingFile
					continue
				}
				content, err := env.ReadFile(path)
				if err != nil {
					files[path] = "[ERROR: " + err.Error() + "]"
					continue
				}
				files[path] = content
			}
			return agentloop.JSONOutput(files), nil
		},
	})
}

func registerWriteFile(reg *agentloop.ToolRegistry, env Environment) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        ToolWriteFile,
			Description: "Write content to a file. Creates the file and parent directories if needed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    prop("string", "Path relative to the project root."),
					"content": prop("string", "The full file content to write."),
				},
				"required": []string{"path", "content"},
			},
		},
		Handler: func(ctx context.Context, p *agentloop.ToolParams) (agentloop.ToolOutput, error) {
			path, ok := p.String("path")
			if !ok || path == "" {
				return nil, errors.New("path is required")
			}
			content, ok := p.String("content")
			if !ok {
				return nil, errors.New("content is required")
			}
			if err := env.WriteFile(path, content); err != nil {
				return nil, err
			}
			return agentloop.TextOutput(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
		},
	})
}

func registerStrReplace(reg *agentloop.ToolRegistry, env Environment) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        ToolStrReplace,
			Description: "Replace an exact string in a file. old must be unique in the file unless all is true.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": prop("string", "Path relative to the project root."),
					"old":  prop("string", "Exact text to find."),
					"new":  prop("string", "Replacement text."),
					"all":  prop("boolean", "Replace every occurrence. Default: false."),
				},
				"required": []string{"path", "old", "new"},
			},
		},
		Handler: func(ctx context.Context, p *agentloop.ToolParams) (agentloop.ToolOutput, error) {
			path, ok := p.String("path")
			if !ok || path == "" {
				return nil, errors.New("path is required")
			}
			oldText, ok := p.String("old")
			if !ok || oldText == "" {
				return nil, errors.New("old is required")
			}
			newText, _ := p.String("new")
			replaceAll, _ := p.Bool("all")

			content, err := env.ReadFile(path)
			if err != nil {
				return nil, err
			}
			count := strings.Count(content, oldText)
			switch {
			case count == 0:
				return nil, fmt.Errorf("old text not found in %s", path)
			case count > 1 && !replaceAll:
				return nil, fmt.Errorf("old text found %d times in %s. Provide more context to make it unique, or set all=true", count, path)
			}

			replacements := 1
			if replaceAll {
				content = strings.ReplaceAll(content, oldText, newText)
				replacements = count
			} else {
				content = strings.Replace(content, oldText, newText, 1)
			}
			if err := env.WriteFile(path, content); err != nil {
				return nil, err
			}
			return agentloop.TextOutput(fmt.Sprintf("Replaced %d occurrence(s) in %s", replacements, path)), nil
		},
	})
}

func registerRunTerminalCommand(reg *agentloop.ToolRegistry, env Environment, opts Options) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        ToolRunTerminalCommand,
			Description: "Run a shell command in the project root. Returns stdout, stderr and the exit code.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":    prop("string", "The command to run."),
					"timeout_ms": prop("integer", "Override the default timeout in milliseconds."),
				},
				"required": []string{"command"},
			},
		},
		Handler: func(ctx context.Context, p *agentloop.ToolParams) (agentloop.ToolOutput, error) {
			command, ok := p.String("command")
			if !ok || command == "" {
				return nil, errors.New("command is required")
			}
			timeout := opts.DefaultTimeout
			if ms, ok := p.Int("timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			if opts.MaxTimeout > 0 && timeout > opts.MaxTimeout {
				timeout = opts.MaxTimeout
			}

			result, err := env.ExecCommand(ctx, command, timeout, nil)
			if err != nil {
				return nil, err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %s. Partial output is shown above.\n"+
					"You can retry with a longer timeout by setting the timeout_ms parameter.]", timeout)
			}
			if result.ExitCode != 0 && !result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			return agentloop.TextOutput(sb.String()), nil
		},
	})
}

func registerCodeSearch(reg *agentloop.ToolRegistry, env Environment) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        ToolCodeSearch,
			Description: "Search file contents with a regex. Returns matching lines with paths and line numbers.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern":          prop("string", "Regex pattern to search for."),
					"path":             prop("string", "Directory or file to search. Default: project root."),
					"glob_filter":      prop("string", "File pattern filter (e.g., \"*.go\")."),
					"case_insensitive": prop("boolean", "Case insensitive search. Default: false."),
					"max_results":      prop("integer", "Maximum matches per file. Default: 100."),
				},
				"required": []string{"pattern"},
			},
		},
		Handler: func(ctx context.Context, p *agentloop.ToolParams) (agentloop.ToolOutput, error) {
			pattern, ok := p.String("pattern")
			if !ok || pattern == "" {
				return nil, errors.New("pattern is required")
			}
			path, _ := p.String("path")
			globFilter, _ := p.String("glob_filter")
			caseInsensitive, _ := p.Bool("case_insensitive")
			maxResults, _ := p.Int("max_results")
			if maxResults <= 0 {
				maxResults = 100
			}

			out, err := env.Search(ctx, pattern, path, SearchOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(out) == "" {
				return agentloop.TextOutput("No matches found."), nil
			}
			return agentloop.TextOutput(out), nil
		},
	})
}

func registerFindFiles(reg *agentloop.ToolRegistry, env Environment) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        ToolFindFiles,
			Description: "Find files whose path or name matches a glob pattern.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": prop("string", "Glob pattern (e.g., \"*.go\" or \"cmd/*/main.go\")."),
					"path":    prop("string", "Base directory. Default: project root."),
				},
				"required": []string{"pattern"},
			},
		},
		Handler: func(ctx context.Context, p *agentloop.ToolParams) (agentloop.ToolOutput, error) {
			pattern, ok := p.String("pattern")
			if !ok || pattern == "" {
				return nil, errors.New("pattern is required")
			}
			path, _ := p.String("path")
			matches, err := env.FindFiles(pattern, path)
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return agentloop.TextOutput("No files matched the pattern."), nil
			}
			return agentloop.TextOutput(strings.Join(matches, "\n")), nil
		},
	})
}
