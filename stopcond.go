package polos

import (
	"context"
	"strings"
)

// StopCondition decides, after each reasoning step, whether an agent run
// should terminate even though the LLM still wants to call tools. Conditions
// are evaluated as durable steps, so a replayed attempt sees the recorded
// verdicts.
type StopCondition struct {
	Name string
	Fn   func(ctx context.Context, steps []StepInfo) (bool, error)

	// maxSteps marks conditions that bound the step count themselves.
	// Their presence disables the implicit safety bound.
	maxSteps bool
}

// NewStopCondition builds a stop condition from a name and a predicate over
// the steps taken so far.
func NewStopCondition(name string, fn func(ctx context.Context, steps []StepInfo) (bool, error)) StopCondition {
	return StopCondition{Name: name, Fn: fn}
}

// MaxSteps stops the run once n reasoning steps have completed. Configuring
// it replaces the implicit safety bound.
func MaxSteps(n int) StopCondition {
	return StopCondition{
		Name:     "max_steps",
		maxSteps: true,
		Fn: func(_ context.Context, steps []StepInfo) (bool, error) {
			return len(steps) >= n, nil
		},
	}
}

// ContentContains stops the run once the latest assistant content contains
// the given substring.
func ContentContains(substr string) StopCondition {
	return StopCondition{
		Name: "content_contains",
		Fn: func(_ context.Context, steps []StepInfo) (bool, error) {
			if len(steps) == 0 {
				return false, nil
			}
			return strings.Contains(steps[len(steps)-1].Content, substr), nil
		},
	}
}

// ToolCalled stops the run once the named tool has been dispatched.
func ToolCalled(name string) StopCondition {
	return StopCondition{
		Name: "tool_called",
		Fn: func(_ context.Context, steps []StepInfo) (bool, error) {
			for _, s := range steps {
				for _, tc := range s.ToolCalls {
					if tc.Function.Name == name {
						return true, nil
					}
				}
			}
			return false, nil
		},
	}
}

// hasMaxSteps reports whether any configured condition already bounds the
// step count.
func hasMaxSteps(conds []StopCondition) bool {
	for _, c := range conds {
		if c.maxSteps {
			return true
		}
	}
	return false
}
