package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Completer is the subset of Client used by GenerateN.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// GenerateResult is the outcome of GenerateN.
type GenerateResult struct {
	// JSON is a JSON array of the n response texts, in request order.
	JSON  string
	Texts []string
	Usage Usage
}

// GenerateN runs n completions of req concurrently. All must succeed; the
// first error (by index) is returned together with a result carrying the
// usage of the completions that did succeed, so their cost is still billed.
func GenerateN(ctx context.Context, c Completer, req Request, n int) (*GenerateResult, error) {
	if n < 1 {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("generate n must be >= 1, got %d", n)}}
	}

	responses := make([]*Response, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			responses[idx], errs[idx] = c.Complete(ctx, req)
		}(i)
	}
	wg.Wait()

	result := &GenerateResult{Texts: make([]string, n)}
	var firstErr error
	for i := range responses {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		result.Texts[i] = responses[i].Text()
		result.Usage = result.Usage.Add(responses[i].Usage)
	}
	if firstErr != nil {
		return &GenerateResult{Usage: result.Usage}, firstErr
	}

	data, err := json.Marshal(result.Texts)
	if err != nil {
		return nil, &SDKError{Message: "encode generations", Cause: err}
	}
	result.JSON = string(data)
	return result, nil
}
