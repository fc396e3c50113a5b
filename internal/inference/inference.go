// Package inference defines the boundary to the language-model inference
// service. The service itself is external; this package only fixes the
// contract the pipeline depends on.
package inference

import (
	"context"
	"errors"
)

// Common errors returned by inference clients.
var (
	// ErrEmptyPrompt is returned when a prompt is empty.
	ErrEmptyPrompt = errors.New("inference: prompt cannot be empty")

	// ErrUnavailable indicates the inference service could not be reached.
	ErrUnavailable = errors.New("inference: service unavailable")
)

// Completion is the result of an inference call.
type Completion struct {
	// Text is the raw model output.
	Text string

	// Tokens is the caller-observable cost signal used to charge the
	// budget ledger.
	Tokens int
}

// Client is the inference service boundary.
//
// Both calls are blocking and fallible with no guaranteed latency; callers
// must bound them with a context deadline.
type Client interface {
	// Invoke sends a prompt and returns free-text output.
	Invoke(ctx context.Context, prompt string) (Completion, error)

	// InvokeStructured sends a prompt with a schema hint and returns output
	// the caller parses into the schema's shape. Malformed output is the
	// caller's concern; implementations return the raw completion.
	InvokeStructured(ctx context.Context, prompt string, schema any) (Completion, error)
}
