package agentloop

import (
	"errors"
	"fmt"

	"github.com/martinemde/agentrt/unifiedllm"
)

// ErrTemplateNotFound is reported when an agent reference resolves to no
// template.
var ErrTemplateNotFound = errors.New("agent template not found")

// RetryableError wraps a transport or billing failure that must escape the
// agent loop so an outer retry policy can re-run the step.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// classifyStepError wraps propagating model errors as RetryableError and
// passes everything else through.
func classifyStepError(err error) error {
	if err == nil || IsRetryable(err) {
		return err
	}
	if unifiedllm.ShouldPropagate(err) {
		return &RetryableError{Err: err}
	}
	return err
}
