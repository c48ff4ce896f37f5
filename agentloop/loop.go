package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	instructionsTag = "INSTRUCTIONS_PROMPT"

	outputSchemaReminder = "You must call set_output with output that matches the output schema before ending your turn."
)

// Runtime runs agents. It is safe for concurrent use; each Run owns its
// AgentState exclusively.
type Runtime struct {
	model     Model
	templates *TemplateRegistry
	builtins  *ToolRegistry
	programs  *ProgramRunner
	store     RunStore
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	workspace Workspace
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = logger }
}

// WithStore sets the run store. The default keeps runs in memory.
func WithStore(store RunStore) RuntimeOption {
	return func(r *Runtime) { r.store = store }
}

// WithTracer sets the tracer used for run, step and spawn spans.
func WithTracer(tracer trace.Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = tracer }
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) RuntimeOption {
	return func(r *Runtime) { r.cfg = cfg }
}

// WithTools adds tools available to every agent, next to the built-ins.
func WithTools(tools *ToolRegistry) RuntimeOption {
	return func(r *Runtime) { r.builtins.MergeFrom(tools) }
}

// WithWorkspace describes the environment agents run in. It fills the
// {ENVIRONMENT}, {PROJECT_DOCS} and {GIT_CONTEXT} prompt placeholders.
func WithWorkspace(ws Workspace) RuntimeOption {
	return func(r *Runtime) { r.workspace = ws }
}

// NewRuntime creates a Runtime.
func NewRuntime(model Model, templates *TemplateRegistry, opts ...RuntimeOption) *Runtime {
	builtins := NewToolRegistry()
	RegisterBuiltinTools(builtins)
	r := &Runtime{
		model:     model,
		templates: templates,
		builtins:  builtins,
		programs:  NewProgramRunner(),
		store:     NewMemoryStore(),
		cfg:       DefaultConfig(),
		logger:    slog.New(slog.DiscardHandler),
		tracer:    defaultTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Programs returns the runner holding live step-program generators.
func (r *Runtime) Programs() *ProgramRunner { return r.programs }

// RunOptions is the input of Run.
type RunOptions struct {
	AgentType   string
	Prompt      string
	Content     []ContentPart
	SpawnParams map[string]any
	FileContext *FileContext
	// LocalTemplates take precedence over the runtime's registry.
	LocalTemplates map[string]*AgentTemplate

	// State resumes an existing agent. A fresh state is created when nil.
	State              *AgentState
	ParentSystemPrompt string
	// Retry re-runs a State returned with a RetryableError. Its prompts
	// are already in the history and are not appended again.
	Retry bool

	Sink ChunkSink
	// IsLive reports whether the triggering input is still wanted. Nil
	// means always live.
	IsLive    func() bool
	OnCredits func(credits int)

	CustomTools           *ToolRegistry
	RequestClientToolCall ClientToolCaller
}

// RunResult is the outcome of Run.
type RunResult struct {
	State  *AgentState
	Output AgentOutput
}

// runScope is everything one run shares with its steps, tools and children.
type runScope struct {
	rt       *Runtime
	opts     *RunOptions
	state    *AgentState
	template *AgentTemplate
	logger   *slog.Logger
}

func (s *runScope) emit(c Chunk) {
	if c.AgentID == "" {
		c.AgentID = s.state.AgentID
		c.AgentType = s.state.AgentType
	}
	s.opts.Sink.emit(c)
}

func (s *runScope) live(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return s.opts.IsLive == nil || s.opts.IsLive()
}

func (r *Runtime) resolveTemplate(local map[string]*AgentTemplate, ref string) (*AgentTemplate, bool) {
	if t, ok := lookupTemplate(local, ref); ok {
		return t, true
	}
	return r.templates.Get(ref)
}

// Run drives one agent turn to completion. A RetryableError is returned
// with the partial state so the caller may retry with RunOptions.Retry
// set; the run record is finished as failed either way. Every other
// failure is reported as an error output with a nil error.
func (r *Runtime) Run(ctx context.Context, opts RunOptions) (result *RunResult, err error) {
	ctx, span := startSpan(ctx, r.tracer, "agent.run", attribute.String("agent.requested_type", opts.AgentType))
	defer func() { endSpan(span, err) }()

	tmpl, ok := r.resolveTemplate(opts.LocalTemplates, opts.AgentType)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrTemplateNotFound, opts.AgentType)
		state := opts.State
		if state == nil {
			state = NewAgentState(opts.AgentType, 0)
		}
		return &RunResult{State: state, Output: errorOutput(err.Error())}, nil
	}

	state := opts.State
	if state == nil {
		state = NewAgentState(tmpl.ID, r.cfg.MaxAgentSteps)
	}
	state.AgentType = tmpl.ID
	if state.AgentContext == nil {
		state.AgentContext = make(map[string]*Subgoal)
	}
	if ctx.Err() != nil {
		return &RunResult{State: state, Output: errorOutput("Run cancelled by user")}, nil
	}

	parentRunID := ""
	if n := len(state.AncestorRunIDs); n > 0 {
		parentRunID = state.AncestorRunIDs[n-1]
	}
	runID, err := r.store.StartRun(ctx, RunRecord{
		AgentID:        state.AgentID,
		AgentType:      tmpl.ID,
		ParentRunID:    parentRunID,
		AncestorRunIDs: state.AncestorRunIDs,
	})
	if err != nil {
		return &RunResult{State: state}, fmt.Errorf("start run: %w", err)
	}
	state.RunID = runID
	span.SetAttributes(agentAttrs(state)...)

	scope := &runScope{
		rt:       r,
		opts:     &opts,
		state:    state,
		template: tmpl,
		logger:   r.logger.With("agent_id", state.AgentID, "agent_type", tmpl.ID, "run_id", runID),
	}
	defer r.programs.Discard(runID)

	defer func() {
		if rec := recover(); rec != nil {
			scope.logger.Error("agent run panicked", "panic", rec, "stack", string(debug.Stack()))
			result = scope.fail(fmt.Errorf("panic: %v", rec))
			err = nil
		}
	}()

	output, err := scope.loop(ctx)
	if err != nil {
		if IsRetryable(err) {
			scope.logger.Warn("agent run interrupted by retryable error", "error", err)
			scope.finish(ctx, RunFailed, err.Error())
			return &RunResult{State: state}, err
		}
		return scope.fail(err), nil
	}
	return &RunResult{State: state, Output: output}, nil
}

// fail finishes the run as failed and returns its error output.
func (s *runScope) fail(err error) *RunResult {
	msg := err.Error()
	s.logger.Error("agent run failed", "error", err)
	s.finish(context.Background(), RunFailed, msg)
	s.emit(Chunk{Kind: ChunkError, Text: msg})
	return &RunResult{State: s.state, Output: errorOutput(msg)}
}

func (s *runScope) finish(ctx context.Context, status RunStatus, errMsg string) {
	err := s.rt.store.FinishRun(context.WithoutCancel(ctx), s.state.RunID, status, RunTotals{
		CreditsUsed:       s.state.CreditsUsed,
		DirectCreditsUsed: s.state.DirectCreditsUsed,
		ErrorMessage:      errMsg,
	})
	if err != nil {
		s.logger.Warn("finish run", "error", err)
	}
}

// loop seeds the history and alternates program rounds and agent steps
// until the turn ends.
func (s *runScope) loop(ctx context.Context) (AgentOutput, error) {
	state, tmpl := s.state, s.template

	if tmpl.InheritParentSystemPrompt && s.opts.ParentSystemPrompt != "" {
		state.SystemPrompt = s.opts.ParentSystemPrompt
	} else {
		state.SystemPrompt = s.buildSystemPrompt()
	}
	if !s.opts.Retry {
		s.seedHistory()
	}

	var (
		endTurn        bool
		programDone    = tmpl.Program == nil
		stepsComplete  bool
		nResponses     []string
		outputReminded bool
		stepNumber     int
	)
	cancelled := false

	for !endTurn {
		if !s.live(ctx) {
			cancelled = true
			break
		}
		stepNumber++
		startCredits := state.CreditsUsed
		startChildren := len(state.ChildRunIDs)

		var in StepInput
		if !programDone {
			round := s.rt.programs.RunRound(ctx, RoundInput{
				Template:      tmpl,
				State:         state,
				Executor:      newExecutor(s),
				Prompt:        s.opts.Prompt,
				Params:        s.opts.SpawnParams,
				StepsComplete: stepsComplete,
				NResponses:    nResponses,
				Logger:        s.logger,
			})
			nResponses = nil
			if round.Err != nil {
				s.programFailed(ctx, stepNumber, round.Err, state.CreditsUsed-startCredits)
				break
			}
			programDone = round.Finished
			endTurn = round.EndTurn
			in = StepInput{TextOverride: round.TextOverride, GenerateN: round.GenerateN}
		}

		if endTurn && s.remindOutput(&outputReminded) {
			endTurn = false
		}

		var messageID string
		if !endTurn && s.live(ctx) {
			out, err := s.runStep(ctx, in)
			if err != nil {
				return AgentOutput{}, err
			}
			messageID = out.MessageID
			nResponses = out.NResponses
			if !programDone {
				stepsComplete = out.ShouldEndTurn
				endTurn = out.StepLimitReached || out.EndTurnCalled
			} else {
				endTurn = out.ShouldEndTurn
			}
			if endTurn && !out.StepLimitReached && s.remindOutput(&outputReminded) {
				endTurn = false
			}
		}

		s.addStep(ctx, StepRecord{
			StepNumber:  stepNumber,
			Status:      StepCompleted,
			Credits:     state.CreditsUsed - startCredits,
			ChildRunIDs: slices.Clone(state.ChildRunIDs[startChildren:]),
			MessageID:   messageID,
		})
	}

	if !s.live(ctx) {
		cancelled = true
	}
	if s.rt.cfg.ExpireUserPromptOnTurnEnd {
		state.MessageHistory = ExpireMessages(state.MessageHistory, TTLUserPrompt)
	}
	status := RunCompleted
	if cancelled {
		status = RunCancelled
	}
	s.finish(ctx, status, "")
	s.logger.Info("agent run finished", "status", status, "credits", state.CreditsUsed)

	output := s.output()
	s.emit(Chunk{Kind: ChunkFinish, Credits: state.CreditsUsed})
	return output, nil
}

// remindOutput injects the output-schema reminder once when a structured
// agent ends its turn without output. It reports whether it did.
func (s *runScope) remindOutput(reminded *bool) bool {
	if *reminded || s.template.OutputSchema == nil || len(s.state.Output) > 0 {
		return false
	}
	*reminded = true
	msg := SystemText(outputSchemaReminder)
	msg.TimeToLive = TTLAgentStep
	s.state.MessageHistory = append(s.state.MessageHistory, msg)
	return true
}

func (s *runScope) programFailed(ctx context.Context, stepNumber int, err error, credits int) {
	msg := fmt.Sprintf("Error running step program for agent %s: %v", s.template.ID, err)
	s.logger.Error("step program failed", "error", err)
	if s.state.Output == nil {
		s.state.Output = make(map[string]any)
	}
	s.state.Output["error"] = msg
	s.emit(Chunk{Kind: ChunkError, Text: msg})
	s.addStep(ctx, StepRecord{
		StepNumber:   stepNumber,
		Status:       StepSkipped,
		Credits:      credits,
		ErrorMessage: msg,
	})
}

func (s *runScope) addStep(ctx context.Context, step StepRecord) {
	step.RunID = s.state.RunID
	if _, err := s.rt.store.AddStep(context.WithoutCancel(ctx), step); err != nil {
		s.logger.Warn("add step", "error", err)
	}
}

// seedHistory appends the user prompt and the instructions prompt.
func (s *runScope) seedHistory() {
	state, opts := s.state, s.opts

	prompt := opts.Prompt
	if len(opts.SpawnParams) > 0 {
		params, err := json.MarshalIndent(opts.SpawnParams, "", "  ")
		if err == nil {
			prompt = strings.TrimSpace(prompt + "\n\n<params>\n" + string(params) + "\n</params>")
		}
	}
	if prompt != "" || len(opts.Content) > 0 {
		msg := Message{Role: RoleUser, KeepDuringTruncation: true}
		if prompt != "" {
			msg.Content = append(msg.Content, TextPart(prompt))
		}
		msg.Content = append(msg.Content, opts.Content...)
		state.MessageHistory = append(state.MessageHistory, msg)
	}

	if s.template.InstructionsPrompt != "" {
		msg := UserText(s.expand(s.template.InstructionsPrompt))
		msg.TimeToLive = TTLUserPrompt
		msg.KeepLastTags = []string{instructionsTag}
		state.MessageHistory = append(state.MessageHistory, msg)
	}
}

// output derives the typed output from the template's output mode.
func (s *runScope) output() AgentOutput {
	state := s.state
	switch s.template.OutputMode {
	case OutputModeAllMessages:
		return AgentOutput{Type: OutputAllMessages, Value: slices.Clone(state.MessageHistory)}
	case OutputModeStructured:
		return AgentOutput{Type: OutputStructured, Value: maps.Clone(state.Output)}
	default:
		return AgentOutput{Type: OutputLastMessage, Value: lastAssistantText(state.MessageHistory)}
	}
}
