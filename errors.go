package polos

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateWorkflow reports a second registration under an id already
// present in the registry. Programmer error; registration fails fast.
type ErrDuplicateWorkflow struct {
	ID string
}

func (e *ErrDuplicateWorkflow) Error() string {
	return fmt.Sprintf("workflow %q is already registered", e.ID)
}

// ErrDuplicateStep reports a step key used twice within one execution
// attempt. Key reuse silently corrupts the replay cache, so it fails fast.
type ErrDuplicateStep struct {
	Key string
}

func (e *ErrDuplicateStep) Error() string {
	return fmt.Sprintf("step key %q was already used in this execution", e.Key)
}

// ErrStepExecution reports a step whose retries are exhausted. It is not
// retryable at the workflow layer: the same step would fail again on replay.
type ErrStepExecution struct {
	Key      string
	Attempts int
	Cause    error
}

func (e *ErrStepExecution) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("step %q failed after %d attempts: %v", e.Key, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("step %q failed after %d attempts", e.Key, e.Attempts)
}

func (e *ErrStepExecution) Unwrap() error { return e.Cause }

// WaitKind names the dependency a suspended execution is parked on.
type WaitKind string

const (
	WaitInvoke  WaitKind = "invoke"
	WaitTimer   WaitKind = "timer"
	WaitEvent   WaitKind = "event"
	WaitSuspend WaitKind = "suspend"
)

// WaitReason describes what a suspension is waiting for. It exists for
// logging and span attributes; the orchestrator learns about the dependency
// through the arranging call the step helper made before suspending.
type WaitReason struct {
	Kind         WaitKind
	StepKey      string
	ExecutionIDs []string
	ResumeAt     time.Time
	Topic        string
	EventType    string
}

// ErrWait is the suspension signal: the handler cannot progress until an
// external dependency resolves, so the executing goroutine unwinds and the
// orchestrator re-dispatches later with the step cache hydrated. It is not a
// failure; the executor classifies it as WAIT and reports nothing.
type ErrWait struct {
	Reason WaitReason
}

func (e *ErrWait) Error() string {
	return fmt.Sprintf("execution waiting on %s (step %q)", e.Reason.Kind, e.Reason.StepKey)
}

// WaitSignal marks ErrWait as a suspension value for IsWaitError.
func (e *ErrWait) WaitSignal() {}

// waiter is the structural probe for suspension signals. Any error exposing
// WaitSignal is treated as one, so values wrapped with fmt.Errorf %w or
// defined in other packages are still recognised.
type waiter interface {
	WaitSignal()
}

// IsWaitError reports whether err carries a suspension signal anywhere in
// its chain. The check is structural rather than type identity so it holds
// across package boundaries.
func IsWaitError(err error) bool {
	if err == nil {
		return false
	}
	var w waiter
	return errors.As(err, &w)
}

// ErrEventTimeout reports that a waitForEvent or suspend deadline elapsed
// before a matching event was published.
type ErrEventTimeout struct {
	StepKey string
	Topic   string
}

func (e *ErrEventTimeout) Error() string {
	return fmt.Sprintf("timed out waiting for event on %q (step %q)", e.Topic, e.StepKey)
}

// ErrValidation reports a payload that does not satisfy a schema. The
// request is rejected; the handler never runs the offending value.
type ErrValidation struct {
	Schema string
	Cause  error
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation against %q failed: %v", e.Schema, e.Cause)
}

func (e *ErrValidation) Unwrap() error { return e.Cause }

// ErrGuardrail reports a guardrail that failed the agent run outright
// (verdict "fail", or retries exhausted after repeated "retry" verdicts).
type ErrGuardrail struct {
	Guardrail string
	Message   string
}

func (e *ErrGuardrail) Error() string {
	return fmt.Sprintf("guardrail %q failed the run: %s", e.Guardrail, e.Message)
}

// ErrHook reports a hook that stopped its phase, either by returning
// Continue=false or by failing.
type ErrHook struct {
	Hook  string
	Phase HookPhase
	Cause error
}

func (e *ErrHook) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("hook %q failed phase %s: %v", e.Hook, e.Phase, e.Cause)
	}
	return fmt.Sprintf("hook %q stopped phase %s", e.Hook, e.Phase)
}

func (e *ErrHook) Unwrap() error { return e.Cause }

// ErrLLM is a model-backend failure: the provider rejected the request or
// the transport gave out. Status 0 means the request never completed.
type ErrLLM struct {
	Provider   string
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *ErrLLM) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Status, e.Message)
}

// Retryable reports whether the failure is transient: transport errors,
// rate limiting, and server-side errors.
func (e *ErrLLM) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// ErrAPI is an orchestrator API failure: a non-2xx response or transport
// error. Status 0 means the request never completed.
type ErrAPI struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrAPI) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("orchestrator request failed: %s", e.Body)
	}
	return fmt.Sprintf("orchestrator returned %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is transient: transport errors,
// rate limiting, and server-side errors. 409 is never retried; completion
// paths treat it as "execution reassigned" and discard silently.
func (e *ErrAPI) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}
