package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
)

// MatchSpawnable returns the first allowlist entry that permits requested.
// A request matches an entry by bare id, by id and version, or by the full
// publisher-qualified id; any part the request names must agree with the
// entry.
func MatchSpawnable(allowlist []string, requested string) (string, bool) {
	req, ok := ParseAgentRef(requested)
	if !ok {
		return "", false
	}
	for _, entry := range allowlist {
		if entry == requested {
			return entry, true
		}
		allowed, ok := ParseAgentRef(entry)
		if !ok || allowed.ID != req.ID {
			continue
		}
		if req.Publisher != "" && req.Publisher != allowed.Publisher {
			continue
		}
		if req.Version != "" && !versionsEqual(req.Version, allowed.Version) {
			continue
		}
		return entry, true
	}
	return "", false
}

// versionsEqual compares semantic versions when both parse, and falls back
// to string equality.
func versionsEqual(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Equal(vb)
	}
	return a == b
}

// SpawnRequest asks for one child agent.
type SpawnRequest struct {
	AgentType string         `json:"agentType"`
	Prompt    string         `json:"prompt,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// SpawnReport is the outcome of one child, in request order. Value is the
// child's AgentOutput, or {"errorMessage": ...} when it failed.
type SpawnReport struct {
	AgentName string `json:"agentName"`
	AgentType string `json:"agentType"`
	Value     any    `json:"value"`
}

type childOutcome struct {
	state  *AgentState
	report SpawnReport
}

// spawnAgents runs every request as a child of the scope's agent. Children
// run concurrently and one child's failure never affects its siblings.
func (s *runScope) spawnAgents(ctx context.Context, reqs []SpawnRequest) []SpawnReport {
	ctx, span := startSpan(ctx, s.rt.tracer, "agent.spawn",
		append(agentAttrs(s.state), attribute.Int("spawn.count", len(reqs)))...)
	defer span.End()

	outcomes := make([]childOutcome, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = s.runChild(ctx, req, len(reqs) == 1)
		}()
	}
	wg.Wait()

	reports := make([]SpawnReport, len(reqs))
	for i, out := range outcomes {
		reports[i] = out.report
		if out.state == nil {
			continue
		}
		s.state.CreditsUsed += out.state.CreditsUsed
		if out.state.RunID != "" {
			s.state.ChildRunIDs = append(s.state.ChildRunIDs, out.state.RunID)
		}
	}
	return reports
}

func (s *runScope) runChild(ctx context.Context, req SpawnRequest, single bool) (out childOutcome) {
	out.report = SpawnReport{AgentName: req.AgentType, AgentType: req.AgentType}
	fail := func(msg string) childOutcome {
		out.report.Value = map[string]any{"errorMessage": msg}
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			out = fail(fmt.Sprintf("Agent %s panicked: %v", req.AgentType, r))
		}
	}()

	if ctx.Err() != nil {
		return fail("Run cancelled before agent could be spawned")
	}

	entry, ok := MatchSpawnable(s.template.SpawnableAgents, req.AgentType)
	if !ok {
		s.logger.Warn("spawn rejected", "parent", s.template.ID, "child", req.AgentType)
		return fail(fmt.Sprintf("Agent %q is not allowed to spawn child agent %q", s.template.ID, req.AgentType))
	}
	tmpl, ok := s.rt.resolveTemplate(s.opts.LocalTemplates, entry)
	if !ok {
		return fail(fmt.Sprintf("Agent template not found: %s", req.AgentType))
	}
	out.report.AgentName = tmpl.Name()
	out.report.AgentType = tmpl.ID
	if err := validateSpawnInput(tmpl, req); err != nil {
		return fail(err.Error())
	}

	child := NewAgentState(tmpl.ID, s.rt.cfg.MaxAgentSteps)
	child.ParentID = s.state.AgentID
	child.AncestorRunIDs = append(append([]string{}, s.state.AncestorRunIDs...), s.state.RunID)
	if tmpl.IncludeMessageHistory {
		child.MessageHistory = inheritedHistory(s.state.MessageHistory)
	}
	out.state = child

	s.emit(Chunk{Kind: ChunkSubagentStart, AgentID: child.AgentID, AgentType: tmpl.ID, ParentAgentID: s.state.AgentID, Text: req.Prompt})

	opts := RunOptions{
		AgentType:             entry,
		Prompt:                req.Prompt,
		SpawnParams:           req.Params,
		FileContext:           s.opts.FileContext,
		LocalTemplates:        s.opts.LocalTemplates,
		State:                 child,
		ParentSystemPrompt:    s.state.SystemPrompt,
		Sink:                  childSink(s.opts.Sink, s.state.AgentID, single),
		IsLive:                s.opts.IsLive,
		OnCredits:             s.opts.OnCredits,
		CustomTools:           s.opts.CustomTools,
		RequestClientToolCall: s.opts.RequestClientToolCall,
	}
	result, err := s.rt.Run(ctx, opts)
	if result != nil && result.State != nil {
		out.state = result.State
	}

	s.emit(Chunk{Kind: ChunkSubagentFinish, AgentID: child.AgentID, AgentType: tmpl.ID, ParentAgentID: s.state.AgentID})

	switch {
	case err != nil:
		return fail(err.Error())
	case result.Output.Type == OutputError:
		return fail(result.Output.Message)
	}
	out.report.Value = result.Output
	return out
}

// validateSpawnInput checks the prompt and params against the template's
// input schema.
func validateSpawnInput(tmpl *AgentTemplate, req SpawnRequest) error {
	if tmpl.InputSchema == nil {
		return nil
	}
	if tmpl.InputSchema.Prompt != nil {
		if err := validateAgainst(tmpl.ID+"/prompt", tmpl.InputSchema.Prompt, req.Prompt); err != nil {
			return fmt.Errorf("Invalid prompt for agent %s: %w", tmpl.ID, err)
		}
	}
	if tmpl.InputSchema.Params != nil {
		params := req.Params
		if params == nil {
			params = map[string]any{}
		}
		if err := validateAgainst(tmpl.ID+"/params", tmpl.InputSchema.Params, params); err != nil {
			return fmt.Errorf("Invalid params for agent %s: %w", tmpl.ID, err)
		}
	}
	return nil
}

func validateAgainst(name string, schema map[string]any, value any) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	compiled, err := jsonschema.CompileString(name+".json", string(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	// Normalize to plain JSON values.
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return compiled.Validate(doc)
}

// inheritedHistory is the parent history a child starts from: system
// messages are dropped and expired messages pruned.
func inheritedHistory(parent []Message) []Message {
	history := make([]Message, 0, len(parent))
	for _, msg := range ExpireMessages(parent, TTLUserPrompt) {
		if msg.Role == RoleSystem {
			continue
		}
		history = append(history, msg)
	}
	return history
}

// childSink forwards child chunks to the parent sink. Structural chunks are
// stamped with the parent id. Child text is forwarded as subagent text, and
// additionally as plain text for a single child.
func childSink(parent ChunkSink, parentAgentID string, single bool) ChunkSink {
	if parent == nil {
		return nil
	}
	return func(c Chunk) {
		if c.structural() && c.ParentAgentID == "" {
			c.ParentAgentID = parentAgentID
		}
		switch c.Kind {
		case ChunkFinish:
			return
		case ChunkText:
			if single {
				parent.emit(c)
			}
			c.Kind = ChunkSubagentText
			c.ParentAgentID = parentAgentID
		}
		parent.emit(c)
	}
}
