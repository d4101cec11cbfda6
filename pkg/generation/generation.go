// Package generation defines the external generation capability the engine
// consumes. The concrete collaborator (an LLM provider wrapper, a remote
// service) is injected; the engine only knows this contract.
package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/edforge/edforge/pkg/models"
)

// Request is the immutable per-attempt input assembled by the step executor
// from the run's shared context plus accumulated corrective feedback. A fresh
// value is built for every attempt; it is never shared or mutated.
type Request struct {
	RunID    string
	NodeID   string
	Kind     string
	Prompt   string
	Context  map[string]any
	Feedback string
	Attempt  int
}

// Output is one raw candidate artifact plus the usage the collaborator reports.
type Output struct {
	Payload map[string]any
	RawText string
	Usage   models.Usage
}

// Generator invokes the generation capability once per call. Transport-level
// retries are the collaborator's own concern; the engine's attempt budget
// counts only semantic failures. Implementations must honor ctx cancellation
// and deadlines.
type Generator interface {
	Invoke(ctx context.Context, req Request) (*Output, error)
}

// TransientError signals a transport-level failure the collaborator could not
// recover from within its own retry policy. It is distinct from producing an
// invalid output.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient generation failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient checks whether an error is a transient generation failure.
func IsTransient(err error) bool {
	var transient *TransientError

	return errors.As(err, &transient)
}
