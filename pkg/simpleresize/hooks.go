package simpleresize

import (
	"context"
	"time"
)

// Hook system allows observing the processor without modifying core code.
// Hooks are called synchronously on the task's goroutine and must not block.

// Hooks defines all available lifecycle hooks
type Hooks struct {
	// OnTransition is called every time a task leaves a state
	OnTransition []TransitionHook

	// OnResult is called once per task after it reaches a terminal state
	OnResult []ResultHook

	// OnOutcome is called once per delivery after its disposition is decided
	OnOutcome []OutcomeHook
}

// TransitionHook receives the state left, the state entered and the time spent in from
type TransitionHook func(ctx context.Context, task ProcessingTask, from, to State, elapsed time.Duration)

// ResultHook receives the final result of a task
type ResultHook func(ctx context.Context, result Result)

// OutcomeHook receives the disposition chosen for a delivery
type OutcomeHook func(ctx context.Context, outcome Outcome)

// Merge appends the hooks of other to h
func (h *Hooks) Merge(other Hooks) {
	h.OnTransition = append(h.OnTransition, other.OnTransition...)
	h.OnResult = append(h.OnResult, other.OnResult...)
	h.OnOutcome = append(h.OnOutcome, other.OnOutcome...)
}

func (h *Hooks) executeTransition(ctx context.Context, task ProcessingTask, from, to State, elapsed time.Duration) {
	for _, hook := range h.OnTransition {
		hook(ctx, task, from, to, elapsed)
	}
}

func (h *Hooks) executeResult(ctx context.Context, result Result) {
	for _, hook := range h.OnResult {
		hook(ctx, result)
	}
}

func (h *Hooks) executeOutcome(ctx context.Context, outcome Outcome) {
	for _, hook := range h.OnOutcome {
		hook(ctx, outcome)
	}
}
