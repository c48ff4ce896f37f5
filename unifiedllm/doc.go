// Package unifiedllm is the provider-agnostic model layer used by the agent
// runtime. It wraps gollm (github.com/teilomillet/gollm) behind a small
// ProviderAdapter contract so the agent loop never talks to a vendor SDK
// directly.
//
// # Architecture
//
//   - ProviderAdapter: Complete (blocking) and Stream (channel of events).
//   - Client: routes requests to a registered adapter by provider name or by
//     model catalog lookup, and applies middleware.
//   - Errors: a typed hierarchy rooted at SDKError. IsRetryable reports
//     whether a call may be retried; ShouldPropagate reports whether an error
//     must escape the agent loop untouched (network, payment, quota).
//   - Retry: generic exponential backoff over any call.
//   - GenerateN: n parallel completions, JSON-encoded, for fan-out steps.
//   - Catalog: known models with per-million pricing used for credits.
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGollmAdapter("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("anthropic", adapter))
//
//	events, _ := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	for ev := range events {
//	    fmt.Print(ev.Delta)
//	}
package unifiedllm
