package agentloop

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// SubgoalStatus is the cooperative progress marker of a Subgoal.
type SubgoalStatus string

const (
	SubgoalNotStarted SubgoalStatus = "NOT_STARTED"
	SubgoalInProgress SubgoalStatus = "IN_PROGRESS"
	SubgoalComplete   SubgoalStatus = "COMPLETE"
	SubgoalAborted    SubgoalStatus = "ABORTED"
)

// Subgoal is scratch bookkeeping an agent keeps in its context. The runtime
// never enforces status transitions.
type Subgoal struct {
	Objective string        `json:"objective"`
	Status    SubgoalStatus `json:"status"`
	Plan      string        `json:"plan,omitempty"`
	Logs      []string      `json:"logs"`
}

// AgentState is the mutable record of one agent run. It is owned by the
// orchestrator driving the run and the tool executor acting on its behalf.
type AgentState struct {
	AgentID        string              `json:"agentId"`
	AgentType      string              `json:"agentType"`
	RunID          string              `json:"runId"`
	ParentID       string              `json:"parentId,omitempty"`
	AncestorRunIDs []string            `json:"ancestorRunIds"`
	MessageHistory []Message           `json:"messageHistory"`
	AgentContext   map[string]*Subgoal `json:"agentContext"`
	StepsRemaining int                 `json:"stepsRemaining"`

	// CreditsUsed includes children; DirectCreditsUsed does not.
	CreditsUsed       int `json:"creditsUsed"`
	DirectCreditsUsed int `json:"directCreditsUsed"`

	ChildRunIDs []string       `json:"childRunIds"`
	Output      map[string]any `json:"output,omitempty"`

	// SystemPrompt is computed once per run and inherited verbatim by
	// children that opt in.
	SystemPrompt string `json:"-"`
}

// NewAgentState creates a fresh state with a new agent id.
func NewAgentState(agentType string, stepsRemaining int) *AgentState {
	return &AgentState{
		AgentID:        uuid.NewString(),
		AgentType:      agentType,
		AgentContext:   make(map[string]*Subgoal),
		StepsRemaining: stepsRemaining,
	}
}

// addCredits records credits spent directly by this agent.
func (s *AgentState) addCredits(n int) {
	s.CreditsUsed += n
	s.DirectCreditsUsed += n
}

// PublicAgentState is the projection of AgentState handed to programmatic
// agents and serialized to clients.
type PublicAgentState struct {
	AgentID        string         `json:"agentId"`
	RunID          string         `json:"runId"`
	ParentID       string         `json:"parentId,omitempty"`
	MessageHistory []Message      `json:"messageHistory"`
	Output         map[string]any `json:"output,omitempty"`
}

// Public returns the public projection of s. Slices and maps are copied so
// the projection does not alias live state.
func (s *AgentState) Public() PublicAgentState {
	return PublicAgentState{
		AgentID:        s.AgentID,
		RunID:          s.RunID,
		ParentID:       s.ParentID,
		MessageHistory: slices.Clone(s.MessageHistory),
		Output:         maps.Clone(s.Output),
	}
}

// StateFromPublic rebuilds an AgentState from its public projection. Fields
// outside the projection start at their zero values.
func StateFromPublic(p PublicAgentState) *AgentState {
	return &AgentState{
		AgentID:        p.AgentID,
		RunID:          p.RunID,
		ParentID:       p.ParentID,
		MessageHistory: slices.Clone(p.MessageHistory),
		AgentContext:   make(map[string]*Subgoal),
		Output:         maps.Clone(p.Output),
	}
}

// OutputType discriminates AgentOutput.
type OutputType string

const (
	OutputLastMessage OutputType = "lastMessage"
	OutputAllMessages OutputType = "allMessages"
	OutputStructured  OutputType = "structuredOutput"
	OutputError       OutputType = "error"
)

// AgentOutput is the typed result of a run.
type AgentOutput struct {
	Type    OutputType `json:"type"`
	Value   any        `json:"value,omitempty"`
	Message string     `json:"message,omitempty"`
}

func errorOutput(msg string) AgentOutput {
	return AgentOutput{Type: OutputError, Message: msg}
}
