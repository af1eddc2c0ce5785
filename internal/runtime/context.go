// Package runtime defines the handler contract: the boundary between
// the durable execution kernel and user-supplied step code. The kernel
// hands each attempt a StepContext and captures whatever the handler
// returns or throws; handlers never touch the store directly.
package runtime

import "context"

// StepContext is the capability-scoped handle passed to a step
// handler for one task attempt.
type StepContext struct {
	ExecutionID string
	// Input is the value the advancer decided this element should
	// receive: the previous step's output, or the execution input for
	// the first step and for steps directly following a parallel block.
	Input interface{}
	// PreviousOutput is the immediately-preceding task's raw output,
	// independent of what Input was resolved to.
	PreviousOutput interface{}
	// ExecutionInput is the original execution input, always available
	// regardless of position in the workflow.
	ExecutionInput interface{}
	// Attempt is the 1-based attempt number for this task.
	Attempt      int
	StepName     string
	WorkflowName string
	// ParallelOutputs maps sibling step name -> output when the
	// previous element was a parallel block; empty otherwise.
	ParallelOutputs map[string]interface{}
}

// Handler is the minimal contract every step implementation must
// satisfy. Handlers may return an error; the error's string is
// captured as the attempt's error and drives retry/dead-letter — the
// typed error never crosses the store boundary. Handlers must be
// idempotent: execution is at-least-once, not exactly-once.
type Handler interface {
	Run(ctx context.Context, sc *StepContext) (interface{}, error)
}

// HandlerFunc adapts a plain function to the Handler interface, the
// way http.HandlerFunc adapts a function to http.Handler — convenient
// for simple steps that need no receiver state.
type HandlerFunc func(ctx context.Context, sc *StepContext) (interface{}, error)

func (f HandlerFunc) Run(ctx context.Context, sc *StepContext) (interface{}, error) {
	return f(ctx, sc)
}
