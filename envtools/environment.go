// Package envtools provides the file, shell and search tools agents use to
// work on a project, and the local environment they run against.
package envtools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	TimedOut   bool   `json:"timedOut"`
	DurationMs int64  `json:"durationMs"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// SearchOptions configures code search.
type SearchOptions struct {
	GlobFilter      string
	CaseInsensitive bool
	MaxResults      int
}

// Environment abstracts where tool operations run.
type Environment interface {
	ReadFile(path string) (string, error)
	WriteFile(path string, content string) error
	DeleteFile(path string) error
	FileExists(path string) bool

	ExecCommand(ctx context.Context, command string, timeout time.Duration, envVars map[string]string) (*ExecResult, error)

	Search(ctx context.Context, pattern string, path string, opts SearchOptions) (string, error)
	FindFiles(pattern string, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// ErrOutsideRoot is returned for paths that resolve outside the working
// directory.
var ErrOutsideRoot = errors.New("path is outside the project root")

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that should be excluded by default.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns the process environment without secrets.
func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// Local runs tools on the local machine, confined to a project root.
type Local struct {
	root      string
	platform  string
	osVersion string
}

// NewLocal creates a local environment rooted at root. An empty root means
// the current directory.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Local{
		root:      abs,
		platform:  runtime.GOOS,
		osVersion: runtime.GOOS + "/" + runtime.GOARCH,
	}, nil
}

func (e *Local) WorkingDirectory() string { return e.root }

func (e *Local) Platform() string { return e.platform }

func (e *Local) OSVersion() string { return e.osVersion }

// resolve maps path into the root. Paths escaping the root are rejected.
func (e *Local) resolve(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(path) {
		resolved = filepath.Join(e.root, path)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(e.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return resolved, nil
}

func (e *Local) ReadFile(path string) (string, error) {
	resolved, err := e.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (e *Local) WriteFile(path string, content string) error {
	resolved, err := e.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("write %s: create directory: %w", path, err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *Local) DeleteFile(path string) error {
	resolved, err := e.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (e *Local) FileExists(path string) bool {
	resolved, err := e.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(resolved)
	return err == nil
}

func (e *Local) ExecCommand(ctx context.Context, command string, timeout time.Duration, envVars map[string]string) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, shellArg := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shell, shellArg = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = e.root
	// Own process group so a timeout kills the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	env := filterEnvironment()
	for k, v := range envVars {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run command: %w", err)
		}
	}
	return result, nil
}

func (e *Local) Search(ctx context.Context, pattern string, path string, opts SearchOptions) (string, error) {
	dir := e.root
	if path != "" {
		resolved, err := e.resolve(path)
		if err != nil {
			return "", err
		}
		dir = resolved
	}

	rgPath, err := exec.LookPath("rg")
	if err != nil {
		return e.grepFallback(ctx, pattern, dir, opts)
	}

	args := []string{pattern, dir, "--line-number", "--no-heading"}
	if opts.CaseInsensitive {
		args = append(args, "-i")
	}
	if opts.GlobFilter != "" {
		args = append(args, "--glob", opts.GlobFilter)
	}
	if opts.MaxResults > 0 {
		args = append(args, "--max-count", fmt.Sprintf("%d", opts.MaxResults))
	}

	cmd := exec.CommandContext(ctx, rgPath, args...)
	cmd.Dir = e.root
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run() // rg exits 1 when nothing matches.
	return e.relativize(stdout.String()), nil
}

func (e *Local) grepFallback(ctx context.Context, pattern string, dir string, opts SearchOptions) (string, error) {
	args := []string{"-rn", pattern, dir}
	if opts.CaseInsensitive {
		args = append([]string{"-i"}, args...)
	}
	if opts.GlobFilter != "" {
		args = append([]string{"--include", opts.GlobFilter}, args...)
	}
	if opts.MaxResults > 0 {
		args = append([]string{"-m", fmt.Sprintf("%d", opts.MaxResults)}, args...)
	}

	cmd := exec.CommandContext(ctx, "grep", args...)
	cmd.Dir = e.root
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run()
	return e.relativize(stdout.String()), nil
}

// relativize strips the root prefix from search output lines.
func (e *Local) relativize(output string) string {
	return strings.ReplaceAll(output, e.root+string(filepath.Separator), "")
}

// FindFiles returns the files under path whose relative path or base name
// matches the glob pattern, sorted.
func (e *Local) FindFiles(pattern string, path string) ([]string, error) {
	dir := e.root
	if path != "" {
		resolved, err := e.resolve(path)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("find files: %w", err)
	}

	var matches []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(e.root, p)
		if err != nil {
			return nil
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			matches = append(matches, rel)
		} else if ok, _ := filepath.Match(pattern, d.Name()); ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find files: %w", err)
	}
	slices.Sort(matches)
	return matches, nil
}
