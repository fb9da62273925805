package polos

import (
	"context"
	"errors"
	"fmt"
)

// HookPhase names the point in an execution where a hook chain runs.
type HookPhase string

const (
	// PhaseStart runs before the workflow handler sees the payload.
	PhaseStart HookPhase = "onStart"
	// PhaseEnd runs after the handler returned, before the result is reported.
	PhaseEnd HookPhase = "onEnd"
	// PhaseAgentStepStart runs before each agent reasoning step.
	PhaseAgentStepStart HookPhase = "onAgentStepStart"
	// PhaseAgentStepEnd runs after each agent reasoning step.
	PhaseAgentStepEnd HookPhase = "onAgentStepEnd"
	// PhaseToolStart runs before an agent dispatches a tool call.
	PhaseToolStart HookPhase = "onToolStart"
	// PhaseToolEnd runs after a dispatched tool call settled.
	PhaseToolEnd HookPhase = "onToolEnd"
)

// HookContext is the view of the execution a hook receives. Payload holds
// the value flowing through the current phase (workflow payload, agent
// messages, or tool arguments depending on the phase); Output is only set
// for end phases.
type HookContext struct {
	WorkflowID string    `json:"workflowId"`
	SessionID  string    `json:"sessionId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Phase      HookPhase `json:"phase"`
	Payload    any       `json:"payload,omitempty"`
	Output     any       `json:"output,omitempty"`
}

// HookResult is a hook's verdict. Continue=false aborts the phase. A
// non-empty Error aborts with that message. ModifiedPayload and
// ModifiedOutput, when non-nil, replace the values threaded to the next
// hook in the chain and ultimately to the handler.
type HookResult struct {
	Continue        bool   `json:"continue"`
	Error           string `json:"error,omitempty"`
	ModifiedPayload any    `json:"modifiedPayload,omitempty"`
	ModifiedOutput  any    `json:"modifiedOutput,omitempty"`
}

// Hook is a named interception point. Hooks run as durable steps: each link
// of a chain is recorded under its own step key, so on replay a hook's
// verdict is restored instead of re-executed.
type Hook struct {
	Name string
	Fn   func(ctx context.Context, hc *HookContext) (*HookResult, error)
}

// NewHook builds a hook from a name and a function.
func NewHook(name string, fn func(ctx context.Context, hc *HookContext) (*HookResult, error)) Hook {
	return Hook{Name: name, Fn: fn}
}

// ComposeHooks folds several hooks into one durable link. The sub-hooks run
// in order inside a single step; modifications thread through and the first
// abort wins.
func ComposeHooks(name string, hooks ...Hook) Hook {
	return Hook{Name: name, Fn: func(ctx context.Context, hc *HookContext) (*HookResult, error) {
		out := &HookResult{Continue: true}
		for _, h := range hooks {
			res, err := h.Fn(ctx, hc)
			if err != nil {
				return nil, fmt.Errorf("hook %s: %w", h.Name, err)
			}
			if res == nil {
				continue
			}
			if res.ModifiedPayload != nil {
				hc.Payload = res.ModifiedPayload
				out.ModifiedPayload = res.ModifiedPayload
			}
			if res.ModifiedOutput != nil {
				hc.Output = res.ModifiedOutput
				out.ModifiedOutput = res.ModifiedOutput
			}
			if !res.Continue || res.Error != "" {
				res.ModifiedPayload = out.ModifiedPayload
				res.ModifiedOutput = out.ModifiedOutput
				return res, nil
			}
		}
		return out, nil
	}}
}

// ConditionalHook wraps a hook so it only fires when pred returns true.
// When skipped, the chain continues unchanged.
func ConditionalHook(pred func(hc *HookContext) bool, hook Hook) Hook {
	return Hook{Name: hook.Name, Fn: func(ctx context.Context, hc *HookContext) (*HookResult, error) {
		if !pred(hc) {
			return &HookResult{Continue: true}, nil
		}
		return hook.Fn(ctx, hc)
	}}
}

// runHookChain executes a hook chain durably. Each link runs via the step
// API under "{keyPrefix}{phase}.{hookName}.{index}", so replays restore
// recorded verdicts without re-invoking user code. It returns the final
// payload and output after threading modifications.
//
// A Continue=false verdict, a result error, or a hook failure aborts the
// chain with an *ErrHook.
func runHookChain(ctx context.Context, step *Step, keyPrefix string, phase HookPhase, hooks []Hook, hc HookContext) (payload, output any, err error) {
	hc.Phase = phase
	for i, h := range hooks {
		name := h.Name
		if name == "" {
			name = fmt.Sprintf("hook_%d", i)
		}
		key := fmt.Sprintf("%s%s.%s.%d", keyPrefix, phase, name, i)
		fn := h.Fn
		cur := hc
		raw, runErr := step.Run(ctx, key, func(ctx context.Context) (any, error) {
			res, err := fn(ctx, &cur)
			if err != nil {
				return nil, err
			}
			if res == nil {
				res = &HookResult{Continue: true}
			}
			return res, nil
		})
		if runErr != nil {
			if IsWaitError(runErr) {
				return hc.Payload, hc.Output, runErr
			}
			return hc.Payload, hc.Output, &ErrHook{Hook: name, Phase: phase, Cause: runErr}
		}
		res, decErr := DecodePayload[HookResult](raw)
		if decErr != nil {
			return hc.Payload, hc.Output, &ErrHook{Hook: name, Phase: phase, Cause: decErr}
		}
		if res.ModifiedPayload != nil {
			hc.Payload = res.ModifiedPayload
		}
		if res.ModifiedOutput != nil {
			hc.Output = res.ModifiedOutput
		}
		if res.Error != "" {
			return hc.Payload, hc.Output, &ErrHook{Hook: name, Phase: phase, Cause: errors.New(res.Error)}
		}
		if !res.Continue {
			return hc.Payload, hc.Output, &ErrHook{Hook: name, Phase: phase, Cause: errors.New("hook halted the chain")}
		}
	}
	return hc.Payload, hc.Output, nil
}
