// Package agentloop runs trees of cooperating AI agents.
//
// An agent is described by an AgentTemplate: its prompts, the tools it may
// call, the agents it may spawn, and how its output is derived. A template
// is either LLM-backed or carries a StepProgram that drives the model and
// calls tools itself.
//
// Models call tools in-band. A tool call is a JSON object wrapped in
// <tool_call> markers inside the streamed response text:
//
//	<tool_call>{"tool_name": "read_files", "paths": ["main.go"]}</tool_call>
//
// The TagParser extracts these blocks as text streams in. The Executor runs
// the resulting calls strictly in order while the stream continues.
//
// # Architecture
//
//   - Runtime: entry point. Run drives one agent turn to completion,
//     alternating step-program rounds and model steps until the turn ends.
//   - TagParser: incremental extraction of tool-call blocks from text.
//   - Executor: ordered tool execution for one step, recording calls and
//     results in the agent's history.
//   - ProgramRunner: drives StepPrograms, which are iter.Seq2 generators
//     yielding Instructions.
//   - spawn_agents: runs child agents in parallel, validates them against
//     the parent's allowlist and input schemas, and folds their credits into
//     the parent.
//   - RunStore: persistence of runs and steps.
//   - ChunkSink: the observable event stream of a run and its children.
//
// # Quick Start
//
//	templates := agentloop.NewTemplateRegistry()
//	if err := templates.LoadTemplates("agents"); err != nil {
//		log.Fatal(err)
//	}
//	client := unifiedllm.NewClientFromEnv(nil)
//	rt := agentloop.NewRuntime(agentloop.NewLLMModel(client, "claude-sonnet-4-5"), templates)
//
//	result, err := rt.Run(ctx, agentloop.RunOptions{
//		AgentType: "base",
//		Prompt:    "Create a hello.py file",
//		Sink:      func(c agentloop.Chunk) { fmt.Print(c.Text) },
//	})
package agentloop
