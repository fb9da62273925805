package polos

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsWaitError(t *testing.T) {
	wait := &ErrWait{Reason: WaitReason{Kind: WaitTimer, StepKey: "sleep"}}

	if !IsWaitError(wait) {
		t.Error("bare ErrWait not recognised")
	}
	if !IsWaitError(fmt.Errorf("agent step: %w", wait)) {
		t.Error("wrapped ErrWait not recognised")
	}
	if IsWaitError(errors.New("plain")) {
		t.Error("plain error recognised as wait")
	}
	if IsWaitError(nil) {
		t.Error("nil recognised as wait")
	}
}

func TestErrStepExecutionUnwrap(t *testing.T) {
	cause := errors.New("flaky downstream")
	err := &ErrStepExecution{Key: "fetch", Attempts: 3, Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}
	if !strings.Contains(err.Error(), `"fetch"`) || !strings.Contains(err.Error(), "3 attempts") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestErrLLMRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		err := &ErrLLM{Provider: "openai", Status: tt.status, Message: "x"}
		if got := err.Retryable(); got != tt.want {
			t.Errorf("status %d: Retryable = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestErrAPIRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{429, true},
		{500, true},
		{502, true},
		{400, false},
		{409, false}, // reassignment, handled by the caller, never retried
		{422, false},
	}
	for _, tt := range tests {
		err := &ErrAPI{Status: tt.status, Body: "x"}
		if got := err.Retryable(); got != tt.want {
			t.Errorf("status %d: Retryable = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestErrWaitMessage(t *testing.T) {
	err := &ErrWait{Reason: WaitReason{Kind: WaitEvent, StepKey: "order_paid"}}
	if !strings.Contains(err.Error(), "event") || !strings.Contains(err.Error(), "order_paid") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestErrHookUnwrap(t *testing.T) {
	cause := errors.New("db down")
	err := &ErrHook{Hook: "audit", Phase: PhaseStart, Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}

	stopped := &ErrHook{Hook: "gate", Phase: PhaseStart}
	if !strings.Contains(stopped.Error(), "stopped") {
		t.Errorf("no-cause message = %q", stopped.Error())
	}
}
