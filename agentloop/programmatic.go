package agentloop

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// InstructionKind identifies what a step program yielded.
type InstructionKind string

const (
	InstructionToolCall  InstructionKind = "tool_call"
	InstructionStep      InstructionKind = "STEP"
	InstructionStepAll   InstructionKind = "STEP_ALL"
	InstructionStepText  InstructionKind = "STEP_TEXT"
	InstructionGenerateN InstructionKind = "GENERATE_N"
)

// Instruction is one value yielded by a step program.
type Instruction struct {
	Kind InstructionKind

	ToolName           string
	Input              map[string]any
	ExcludeFromHistory bool

	Text string
	N    int
}

// CallTool runs a tool and resumes the program with its result.
func CallTool(name string, input map[string]any) Instruction {
	return Instruction{Kind: InstructionToolCall, ToolName: name, Input: input}
}

// Step pauses the program for one model step.
func Step() Instruction { return Instruction{Kind: InstructionStep} }

// StepAll pauses the program until the model ends its steps.
func StepAll() Instruction { return Instruction{Kind: InstructionStepAll} }

// StepText makes the next step treat text as the model's response.
func StepText(text string) Instruction {
	return Instruction{Kind: InstructionStepText, Text: text}
}

// GenerateN asks for n parallel completions, delivered in NResponses.
func GenerateN(n int) Instruction {
	return Instruction{Kind: InstructionGenerateN, N: n}
}

// StepContext is shared between a step program and its runner. The runner
// refreshes it before every resumption.
type StepContext struct {
	AgentState     PublicAgentState
	LastToolResult *ToolResult
	StepsComplete  bool
	NResponses     []string

	Prompt string
	Params map[string]any
	Logger *slog.Logger
}

// StepProgram is a compiled programmatic agent. The returned sequence is
// pulled one instruction at a time; yielding a non-nil error fails the turn.
type StepProgram func(sc *StepContext) iter.Seq2[Instruction, error]

// ProgramResult is the outcome of one driven round.
type ProgramResult struct {
	EndTurn bool
	// Finished is set once the program has returned.
	Finished     bool
	TextOverride *string
	GenerateN    int
	// Err is set when the program failed; the turn ends.
	Err error
}

// RoundInput carries what one round needs from the orchestrator.
type RoundInput struct {
	Template      *AgentTemplate
	State         *AgentState
	Executor      *Executor
	Prompt        string
	Params        map[string]any
	StepsComplete bool
	NResponses    []string
	Logger        *slog.Logger
}

type programRun struct {
	sc      *StepContext
	next    func() (Instruction, error, bool)
	stop    func()
	stepAll bool
}

// ProgramRunner drives step programs. Live generators are keyed by run id.
type ProgramRunner struct {
	mu   sync.Mutex
	runs map[string]*programRun
}

// NewProgramRunner creates an empty runner.
func NewProgramRunner() *ProgramRunner {
	return &ProgramRunner{runs: make(map[string]*programRun)}
}

func (r *ProgramRunner) lookup(in RoundInput) *programRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[in.State.RunID]; ok {
		return run
	}
	logger := in.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sc := &StepContext{Prompt: in.Prompt, Params: in.Params, Logger: logger}
	next, stop := iter.Pull2(in.Template.Program(sc))
	run := &programRun{sc: sc, next: next, stop: stop}
	r.runs[in.State.RunID] = run
	return run
}

// Discard stops and forgets the generator of runID.
func (r *ProgramRunner) Discard(runID string) {
	r.mu.Lock()
	run, ok := r.runs[runID]
	delete(r.runs, runID)
	r.mu.Unlock()
	if ok {
		run.stop()
	}
}

// Clear discards every generator.
func (r *ProgramRunner) Clear() {
	r.mu.Lock()
	runs := r.runs
	r.runs = make(map[string]*programRun)
	r.mu.Unlock()
	for _, run := range runs {
		run.stop()
	}
}

// Len returns the number of live generators.
func (r *ProgramRunner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// RunRound drives the program of in.Template until it pauses, finishes or
// fails. Tool calls run one at a time through in.Executor.
func (r *ProgramRunner) RunRound(ctx context.Context, in RoundInput) ProgramResult {
	run := r.lookup(in)
	if run.stepAll && !in.StepsComplete {
		return ProgramResult{}
	}
	run.stepAll = false

	sc := run.sc
	sc.StepsComplete = in.StepsComplete
	sc.NResponses = in.NResponses
	sc.LastToolResult = nil

	for {
		if ctx.Err() != nil {
			return ProgramResult{EndTurn: true}
		}
		sc.AgentState = in.State.Public()

		instr, err, ok := pull(run.next)
		if !ok {
			r.Discard(in.State.RunID)
			return ProgramResult{EndTurn: true, Finished: true}
		}
		if err != nil {
			r.Discard(in.State.RunID)
			return ProgramResult{EndTurn: true, Err: err}
		}

		switch instr.Kind {
		case InstructionToolCall:
			call := ToolCall{ToolName: instr.ToolName, ToolCallID: uuid.NewString(), Input: instr.Input}
			result := in.Executor.Enqueue(ctx, call, ToolCallOptions{
				ExcludeFromHistory: instr.ExcludeFromHistory,
				FromProgram:        true,
			}).Wait()
			sc.LastToolResult = &result
			if instr.ToolName == ToolEndTurn {
				return ProgramResult{EndTurn: true}
			}
		case InstructionStep:
			return ProgramResult{}
		case InstructionStepAll:
			run.stepAll = true
			return ProgramResult{}
		case InstructionStepText:
			text := instr.Text
			return ProgramResult{TextOverride: &text}
		case InstructionGenerateN:
			return ProgramResult{GenerateN: instr.N}
		default:
			r.Discard(in.State.RunID)
			return ProgramResult{EndTurn: true, Err: fmt.Errorf("unknown instruction %q", instr.Kind)}
		}
	}
}

// pull advances a generator, converting a panic into an error.
func pull(next func() (Instruction, error, bool)) (instr Instruction, err error, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			instr, err, ok = Instruction{}, fmt.Errorf("panic: %v", r), true
		}
	}()
	return next()
}
