package agentloop

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// Names of the built-in tools.
const (
	ToolEndTurn       = "end_turn"
	ToolTaskCompleted = "task_completed"
	ToolSetOutput     = "set_output"
	ToolAddSubgoal    = "add_subgoal"
	ToolUpdateSubgoal = "update_subgoal"
	ToolThinkDeeply   = "think_deeply"
	ToolAddMessage    = "add_message"
	ToolSpawnAgents   = "spawn_agents"
)

// passiveTools do not by themselves keep a turn going.
var passiveTools = map[string]bool{
	ToolThinkDeeply:   true,
	ToolAddSubgoal:    true,
	ToolUpdateSubgoal: true,
	ToolSetOutput:     true,
}

// RegisterBuiltinTools adds the runtime's own tools to registry.
func RegisterBuiltinTools(registry *ToolRegistry) {
	registry.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolEndTurn,
			Description: "End your turn and hand control back to the user.",
			Parameters:  objectSchema(nil, nil),
		},
		Handler: func(ctx context.Context, p *ToolParams) (ToolOutput, error) {
			return ToolOutput{}, nil
		},
	})

	registry.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolTaskCompleted,
			Description: "Signal that the task is fully complete. Your turn ends after this call.",
			Parameters:  objectSchema(nil, nil),
		},
		Handler: func(ctx context.Context, p *ToolParams) (ToolOutput, error) {
			return ToolOutput{}, nil
		},
	})

	registry.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolSetOutput,
			Description: "Set the structured output of this agent. The whole input object becomes the output.",
			Parameters:  map[string]any{"type": "object", "additionalProperties": true},
		},
		Handler: setOutput,
	})

	registry.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolAddSubgoal,
			Description: "Record a subgoal in your context so you can track progress on it.",
			Parameters: objectSchema(map[string]any{
				"id":        stringProp("Unique id for the subgoal"),
				"objective": stringProp("What the subgoal should achieve"),
				"status":    enumProp("Initial status", SubgoalNotStarted, SubgoalInProgress, SubgoalComplete, SubgoalAborted),
				"plan":      stringProp("How you intend to achieve it"),
				"log":       stringProp("A first log entry"),
			}, []string{"id", "objective"}),
		},
		Handler: addSubgoal,
	})

	registry.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolUpdateSubgoal,
			Description: "Update the status, plan or log of an existing subgoal.",
			Parameters: objectSchema(map[string]any{
				"id":     stringProp("Id of the subgoal"),
				"status": enumProp("New status", SubgoalNotStarted, SubgoalInProgress, SubgoalComplete, SubgoalAborted),
				"plan":   stringProp("Replacement plan"),
				"log":    stringProp("Log entry to append"),
			}, []string{"id"}),
		},
		Handler: updateSubgoal,
	})

	registry.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolThinkDeeply,
			Description: "Think through a hard problem step by step. The thought is kept in history but has no side effects.",
			Parameters: objectSchema(map[string]any{
				"thought": stringProp("Your reasoning"),
			}, []string{"thought"}),
		},
		Handler: func(ctx context.Context, p *ToolParams) (ToolOutput, error) {
			return ToolOutput{}, nil
		},
	})

	registry.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolAddMessage,
			Description: "Append a message to the conversation history.",
			Parameters: objectSchema(map[string]any{
				"role":    enumProp("Message role", RoleUser, RoleAssistant),
				"content": stringProp("Message text"),
			}, []string{"role", "content"}),
		},
		Handler: addMessage,
	})

	registry.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolSpawnAgents,
			Description: "Spawn one or more sub-agents in parallel and wait for all of them to finish.",
			Parameters: objectSchema(map[string]any{
				"agents": map[string]any{
					"type": "array",
					"items": objectSchema(map[string]any{
						"agent_type": stringProp("Agent to spawn, e.g. \"thinker\" or \"publisher/thinker@1.0.0\""),
						"prompt":     stringProp("Prompt for the agent"),
						"params":     map[string]any{"type": "object"},
					}, []string{"agent_type"}),
				},
			}, []string{"agents"}),
		},
		Handler: spawnAgents,
	})
}

func setOutput(ctx context.Context, p *ToolParams) (ToolOutput, error) {
	output := maps.Clone(p.Call.Input)
	if output == nil {
		output = make(map[string]any)
	}
	p.State.Output = output
	return TextOutput("Output set"), nil
}

func addSubgoal(ctx context.Context, p *ToolParams) (ToolOutput, error) {
	id, _ := p.String("id")
	objective, _ := p.String("objective")
	if id == "" || objective == "" {
		return nil, errors.New("add_subgoal requires id and objective")
	}
	status := SubgoalNotStarted
	if s, ok := p.String("status"); ok && s != "" {
		status = SubgoalStatus(s)
	}
	plan, _ := p.String("plan")
	subgoal := &Subgoal{Objective: objective, Status: status, Plan: plan, Logs: []string{}}
	if entry, ok := p.String("log"); ok && entry != "" {
		subgoal.Logs = append(subgoal.Logs, entry)
	}
	if p.State.AgentContext == nil {
		p.State.AgentContext = make(map[string]*Subgoal)
	}
	p.State.AgentContext[id] = subgoal
	return TextOutput(fmt.Sprintf("Subgoal %s added", id)), nil
}

func updateSubgoal(ctx context.Context, p *ToolParams) (ToolOutput, error) {
	id, _ := p.String("id")
	subgoal, ok := p.State.AgentContext[id]
	if !ok {
		return nil, fmt.Errorf("subgoal %q not found", id)
	}
	if s, ok := p.String("status"); ok && s != "" {
		subgoal.Status = SubgoalStatus(s)
	}
	if plan, ok := p.String("plan"); ok && plan != "" {
		subgoal.Plan = plan
	}
	if entry, ok := p.String("log"); ok && entry != "" {
		subgoal.Logs = append(subgoal.Logs, entry)
	}
	return TextOutput(fmt.Sprintf("Subgoal %s updated", id)), nil
}

func addMessage(ctx context.Context, p *ToolParams) (ToolOutput, error) {
	role, _ := p.String("role")
	content, _ := p.String("content")
	var msg Message
	switch Role(role) {
	case RoleUser:
		msg = UserText(content)
	case RoleAssistant:
		msg = AssistantText(content)
	default:
		return nil, fmt.Errorf("add_message: unsupported role %q", role)
	}
	p.State.MessageHistory = append(p.State.MessageHistory, msg)
	return TextOutput("Message added"), nil
}

type spawnAgentsInput struct {
	Agents []struct {
		AgentType string         `json:"agent_type"`
		Prompt    string         `json:"prompt"`
		Params    map[string]any `json:"params"`
	} `json:"agents"`
}

func spawnAgents(ctx context.Context, p *ToolParams) (ToolOutput, error) {
	if p.scope == nil {
		return nil, errors.New("spawn_agents is only available inside an agent run")
	}
	var in spawnAgentsInput
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	if len(in.Agents) == 0 {
		return nil, errors.New("spawn_agents requires at least one agent")
	}
	reqs := make([]SpawnRequest, len(in.Agents))
	for i, a := range in.Agents {
		reqs[i] = SpawnRequest{AgentType: a.AgentType, Prompt: a.Prompt, Params: a.Params}
	}
	reports := p.scope.spawnAgents(ctx, reqs)
	return JSONOutput(reports), nil
}

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func enumProp[T ~string](desc string, values ...T) map[string]any {
	enum := make([]string, len(values))
	for i, v := range values {
		enum[i] = string(v)
	}
	return map[string]any{"type": "string", "description": desc, "enum": enum}
}
