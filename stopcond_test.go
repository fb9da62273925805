package polos

import (
	"context"
	"testing"
)

func TestMaxStepsCondition(t *testing.T) {
	cond := MaxSteps(2)
	if cond.Name != "max_steps" || !cond.maxSteps {
		t.Errorf("cond = %+v", cond)
	}

	steps := []StepInfo{{Step: 1}}
	stop, err := cond.Fn(context.Background(), steps)
	if err != nil || stop {
		t.Errorf("below bound: stop = %v, err = %v", stop, err)
	}

	steps = append(steps, StepInfo{Step: 2})
	stop, _ = cond.Fn(context.Background(), steps)
	if !stop {
		t.Error("at bound: should stop")
	}
}

func TestContentContainsCondition(t *testing.T) {
	cond := ContentContains("DONE")

	stop, _ := cond.Fn(context.Background(), nil)
	if stop {
		t.Error("no steps yet: must not stop")
	}

	steps := []StepInfo{{Content: "working"}, {Content: "all DONE here"}}
	stop, _ = cond.Fn(context.Background(), steps)
	if !stop {
		t.Error("latest content matches: should stop")
	}

	// Only the latest step counts.
	steps = []StepInfo{{Content: "DONE"}, {Content: "still going"}}
	stop, _ = cond.Fn(context.Background(), steps)
	if stop {
		t.Error("match in an earlier step must not stop")
	}
}

func TestToolCalledCondition(t *testing.T) {
	cond := ToolCalled("send_email")

	steps := []StepInfo{
		{ToolCalls: []ToolCall{{Function: FunctionCall{Name: "search"}}}},
	}
	stop, _ := cond.Fn(context.Background(), steps)
	if stop {
		t.Error("tool not called yet")
	}

	steps = append(steps, StepInfo{ToolCalls: []ToolCall{{Function: FunctionCall{Name: "send_email"}}}})
	stop, _ = cond.Fn(context.Background(), steps)
	if !stop {
		t.Error("tool was called in any step: should stop")
	}
}

func TestHasMaxSteps(t *testing.T) {
	if hasMaxSteps([]StopCondition{ContentContains("x")}) {
		t.Error("plain condition flagged as max-steps")
	}
	if !hasMaxSteps([]StopCondition{ContentContains("x"), MaxSteps(5)}) {
		t.Error("MaxSteps not detected")
	}
}
