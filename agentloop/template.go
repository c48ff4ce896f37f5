package agentloop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// OutputMode selects how a run's final output is derived.
type OutputMode string

const (
	OutputModeLastMessage OutputMode = "last_message"
	OutputModeAllMessages OutputMode = "all_messages"
	OutputModeStructured  OutputMode = "structured_output"
)

// InputSchema holds JSON Schemas for a template's spawn input.
type InputSchema struct {
	Prompt map[string]any `yaml:"prompt" json:"prompt,omitempty"`
	Params map[string]any `yaml:"params" json:"params,omitempty"`
}

// AgentTemplate is the static definition of one kind of agent. Templates are
// never mutated once registered.
type AgentTemplate struct {
	ID          string `yaml:"id"`
	Publisher   string `yaml:"publisher"`
	Version     string `yaml:"version"`
	DisplayName string `yaml:"display_name"`
	Model       string `yaml:"model"`

	SystemPrompt       string `yaml:"system_prompt"`
	InstructionsPrompt string `yaml:"instructions_prompt"`
	StepPrompt         string `yaml:"step_prompt"`

	ToolNames       []string `yaml:"tool_names"`
	SpawnableAgents []string `yaml:"spawnable_agents"`

	InputSchema  *InputSchema   `yaml:"input_schema"`
	OutputMode   OutputMode     `yaml:"output_mode"`
	OutputSchema map[string]any `yaml:"output_schema"`

	IncludeMessageHistory     bool `yaml:"include_message_history"`
	InheritParentSystemPrompt bool `yaml:"inherit_parent_system_prompt"`

	// ProgramName selects a StepProgram from the registry.
	ProgramName string      `yaml:"program"`
	Program     StepProgram `yaml:"-"`
}

// Name returns the display name, falling back to the id.
func (t *AgentTemplate) Name() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.ID
}

// FullID returns the publisher-qualified id, e.g. "codebuff/thinker@1.0.0".
func (t *AgentTemplate) FullID() string {
	return AgentRef{Publisher: t.Publisher, ID: t.ID, Version: t.Version}.String()
}

// HasTool reports whether name is in the tool allowlist.
func (t *AgentTemplate) HasTool(name string) bool {
	return slices.Contains(t.ToolNames, name)
}

// RequiresExplicitCompletion reports whether the turn may only end through
// task_completed or end_turn.
func (t *AgentTemplate) RequiresExplicitCompletion() bool {
	return t.HasTool(ToolTaskCompleted)
}

// AgentRef is a parsed "publisher/id@version" agent reference. Publisher and
// Version are optional.
type AgentRef struct {
	Publisher string
	ID        string
	Version   string
}

// ParseAgentRef parses "id", "id@version", "publisher/id" or
// "publisher/id@version".
func ParseAgentRef(s string) (AgentRef, bool) {
	s = strings.TrimSpace(s)
	var ref AgentRef
	if at := strings.LastIndex(s, "@"); at >= 0 {
		ref.Version = s[at+1:]
		s = s[:at]
		if ref.Version == "" {
			return AgentRef{}, false
		}
	}
	if slash := strings.Index(s, "/"); slash >= 0 {
		ref.Publisher = s[:slash]
		s = s[slash+1:]
		if ref.Publisher == "" {
			return AgentRef{}, false
		}
	}
	if s == "" || strings.Contains(s, "/") {
		return AgentRef{}, false
	}
	ref.ID = s
	return ref, true
}

func (r AgentRef) String() string {
	s := r.ID
	if r.Publisher != "" {
		s = r.Publisher + "/" + s
	}
	if r.Version != "" {
		s += "@" + r.Version
	}
	return s
}

// TemplateRegistry holds agent templates and the step programs they
// reference.
type TemplateRegistry struct {
	templates map[string]*AgentTemplate
	programs  map[string]StepProgram
	mu        sync.RWMutex
}

// NewTemplateRegistry creates an empty registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{
		templates: make(map[string]*AgentTemplate),
		programs:  make(map[string]StepProgram),
	}
}

// RegisterProgram makes a step program available to templates by name.
func (r *TemplateRegistry) RegisterProgram(name string, program StepProgram) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[name] = program
}

// Register adds a template, resolving its ProgramName.
func (r *TemplateRegistry) Register(t *AgentTemplate) error {
	if t.ID == "" {
		return errors.New("agent template has no id")
	}
	if _, ok := ParseAgentRef(t.FullID()); !ok {
		return fmt.Errorf("agent template %q has an invalid id", t.FullID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ProgramName != "" && t.Program == nil {
		program, ok := r.programs[t.ProgramName]
		if !ok {
			return fmt.Errorf("agent template %q references unknown program %q", t.ID, t.ProgramName)
		}
		t.Program = program
	}
	if t.OutputMode == "" {
		t.OutputMode = OutputModeLastMessage
	}
	r.templates[t.ID] = t
	return nil
}

// Get resolves an agent reference to a template.
func (r *TemplateRegistry) Get(ref string) (*AgentTemplate, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lookupTemplate(r.templates, ref)
}

// IDs returns the registered template ids, sorted.
func (r *TemplateRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// lookupTemplate finds ref by exact key first, then by parsed id with any
// given publisher and version required to match.
func lookupTemplate(templates map[string]*AgentTemplate, ref string) (*AgentTemplate, bool) {
	if t, ok := templates[ref]; ok {
		return t, true
	}
	parsed, ok := ParseAgentRef(ref)
	if !ok {
		return nil, false
	}
	t, ok := templates[parsed.ID]
	if !ok {
		return nil, false
	}
	if parsed.Publisher != "" && t.Publisher != "" && parsed.Publisher != t.Publisher {
		return nil, false
	}
	if parsed.Version != "" && t.Version != "" && !versionsEqual(parsed.Version, t.Version) {
		return nil, false
	}
	return t, true
}

// LoadTemplates registers every *.yaml and *.yml template in dir.
func (r *TemplateRegistry) LoadTemplates(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read templates dir: %w", err)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		t, err := ParseTemplateFile(path)
		if err != nil {
			return err
		}
		if err := r.Register(t); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// ParseTemplateFile decodes one YAML agent template.
func ParseTemplateFile(path string) (*AgentTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var t AgentTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	return &t, nil
}
