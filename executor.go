package polos

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel cancellation causes. The worker cancels an execution's context
// with one of these so the executor can tell an orchestrator cancel request
// apart from a run deadline or a local shutdown.
var (
	errRunTimeout      = errors.New("run timeout exceeded")
	errCancelRequested = errors.New("cancellation requested by orchestrator")
	errWorkerShutdown  = errors.New("worker shutting down")
)

// ExecutionResult is the executor's verdict on a single attempt. Exactly one
// of Success, Waiting, Cancelled, or Err describes the outcome; the worker
// translates the verdict into orchestrator reports.
type ExecutionResult struct {
	Success    bool
	Result     any
	FinalState any
	Waiting    bool
	Cancelled  bool
	Err        error
	// Retryable tells the orchestrator whether re-dispatching the failed
	// execution could succeed. Exhausted step retries, schema rejections,
	// and tool errors are deterministic and not worth repeating.
	Retryable bool
}

// Executor runs one workflow attempt end to end: context wiring, payload
// validation, lifecycle hooks, the handler itself, and outcome
// classification. It never reports terminal status to the orchestrator;
// that belongs to the worker, which owns the dispatch.
type Executor struct {
	rt *Runtime
}

// NewExecutor binds an executor to the shared runtime.
func NewExecutor(rt *Runtime) *Executor { return &Executor{rt: rt} }

// Execute runs def against the dispatched work item and classifies the
// outcome. The context must not already carry an ExecutionContext: nesting
// executions in-process would share one replay log between two handlers.
func (e *Executor) Execute(ctx context.Context, def *WorkflowDefinition, work WorkRequest) ExecutionResult {
	if _, ok := ExecutionFromContext(ctx); ok {
		return ExecutionResult{Err: fmt.Errorf("execution %s: Execute called inside a running execution", work.ExecutionID)}
	}

	ec := newExecutionContext(&work)
	ctx, cancel := context.WithCancelCause(ctx)
	ec.cancel = cancel
	defer cancel(nil)
	if work.RunTimeoutSeconds > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeoutCause(ctx, time.Duration(work.RunTimeoutSeconds)*time.Second, errRunTimeout)
		defer tcancel()
	}
	ctx = WithExecutionContext(ctx, ec)
	ctx = ContextWithTraceParent(ctx, ec.traceParent())

	store := newStepStore()
	store.hydrate(work.Steps)
	step := newStep(ec, store, e.rt)

	logger := step.Logger()
	logger.Info("execution started",
		"kind", string(def.Kind),
		"retry_count", work.RetryCount,
		"replay", ec.IsReplay(),
		"hydrated_steps", store.size(),
	)

	ctx, span := e.rt.trace().Start(ctx, fmt.Sprintf("%s.%s", def.Kind, def.ID),
		StringAttr("workflow.id", def.ID),
		StringAttr("execution.id", ec.ExecutionID),
		IntAttr("retry.count", work.RetryCount),
		BoolAttr("replay", ec.IsReplay()),
	)
	defer span.End()

	started := time.Now()
	res := e.run(ctx, def, step, work)
	elapsed := time.Since(started)

	switch {
	case res.Waiting:
		span.SetAttr(StringAttr("outcome", "waiting"))
		logger.Info("execution suspended", "duration", elapsed)
	case res.Cancelled:
		span.SetAttr(StringAttr("outcome", "cancelled"))
		logger.Info("execution cancelled", "duration", elapsed, "cause", res.Err)
	case res.Err != nil:
		span.Error(res.Err)
		logger.Error("execution failed", "duration", elapsed, "error", res.Err, "retryable", res.Retryable)
	default:
		span.SetAttr(StringAttr("outcome", "completed"))
		logger.Info("execution completed", "duration", elapsed)
	}
	return res
}

// run performs the attempt body; Execute wraps it with context plumbing and
// outcome telemetry.
func (e *Executor) run(ctx context.Context, def *WorkflowDefinition, step *Step, work WorkRequest) ExecutionResult {
	if def.InputSchema != nil && len(work.Payload) > 0 {
		if err := def.InputSchema.ValidateJSON(work.Payload); err != nil {
			return ExecutionResult{Err: err}
		}
	}
	var payload any
	if len(work.Payload) > 0 {
		v, err := Deserialize(work.Payload)
		if err != nil {
			return ExecutionResult{Err: fmt.Errorf("decode payload: %w", err)}
		}
		payload = v
	}

	hc := HookContext{
		WorkflowID: def.ID,
		SessionID:  step.ec.SessionID,
		UserID:     step.ec.UserID,
		Payload:    payload,
	}
	if len(def.OnStart) > 0 {
		p, _, err := runHookChain(ctx, step, "", PhaseStart, def.OnStart, hc)
		if err != nil {
			return e.classify(ctx, def, err)
		}
		payload = p
	}

	if def.IsTool() && def.Approval.requires(payload) {
		decision, err := e.approve(ctx, def, step, payload)
		if err != nil {
			return e.classify(ctx, def, err)
		}
		if !decision.Approved {
			feedback := decision.Feedback
			if feedback == "" {
				feedback = "none"
			}
			return e.classify(ctx, def, fmt.Errorf("Tool %q was rejected by the user. Feedback: %s", def.ID, feedback))
		}
	}

	result, err := def.Handler(ctx, step, payload)
	if err != nil {
		return e.classify(ctx, def, err)
	}

	if len(def.OnEnd) > 0 {
		hc.Payload = payload
		hc.Output = result
		_, out, err := runHookChain(ctx, step, "", PhaseEnd, def.OnEnd, hc)
		if err != nil {
			return e.classify(ctx, def, err)
		}
		result = out
	}

	if def.OutputSchema != nil && result != nil {
		if err := def.OutputSchema.Validate(result); err != nil {
			return ExecutionResult{Err: err}
		}
	}
	state := step.State()
	if def.StateSchema != nil && state != nil {
		if err := def.StateSchema.Validate(state); err != nil {
			return ExecutionResult{Err: err}
		}
	}
	return ExecutionResult{Success: true, Result: result, FinalState: state}
}

// approve parks the tool on a human approval form and decodes the verdict.
func (e *Executor) approve(ctx context.Context, def *WorkflowDefinition, step *Step, payload any) (approvalDecision, error) {
	raw, err := step.Suspend(ctx, "approval", SuspendOptions{Data: approvalForm(def.ID, payload)})
	if err != nil {
		return approvalDecision{}, err
	}
	return DecodePayload[approvalDecision](raw)
}

// classify sorts a handler error into the protocol's outcome classes. Wait
// signals win over everything; a pending orchestrator cancel wins over the
// error the abort provoked.
func (e *Executor) classify(ctx context.Context, def *WorkflowDefinition, err error) ExecutionResult {
	if IsWaitError(err) {
		return ExecutionResult{Waiting: true, Err: err}
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errCancelRequested):
		return ExecutionResult{Cancelled: true, Err: cause}
	case errors.Is(cause, errRunTimeout):
		err = errRunTimeout
	case errors.Is(cause, errWorkerShutdown):
		err = errWorkerShutdown
	}
	retryable := true
	var se *ErrStepExecution
	var ve *ErrValidation
	if errors.As(err, &se) || errors.As(err, &ve) {
		retryable = false
	}
	if def.Kind == KindTool {
		retryable = false
	}
	return ExecutionResult{Err: err, Retryable: retryable}
}
