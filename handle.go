package polos

import (
	"context"
	"fmt"
	"time"
)

// defaultPollInterval paces WaitForResult status checks.
const defaultPollInterval = 2 * time.Second

// InvokeHandle tracks a sub-execution created with Step.Invoke. The child
// runs remotely: Status fetches its current state, WaitForResult polls until
// it settles (keeping the parent's goroutine alive, unlike the durable
// InvokeAndWait which suspends), and Cancel asks the orchestrator to stop
// it. Safe for concurrent use.
type InvokeHandle struct {
	step        *Step
	workflowID  string
	executionID string
	poll        time.Duration
}

func newInvokeHandle(step *Step, workflowID, executionID string) *InvokeHandle {
	return &InvokeHandle{
		step:        step,
		workflowID:  workflowID,
		executionID: executionID,
		poll:        defaultPollInterval,
	}
}

// ExecutionID returns the child execution's id.
func (h *InvokeHandle) ExecutionID() string { return h.executionID }

// WorkflowID returns the workflow the child runs.
func (h *InvokeHandle) WorkflowID() string { return h.workflowID }

// Status fetches the child's current state from the orchestrator.
func (h *InvokeHandle) Status(ctx context.Context) (*ExecutionStatus, error) {
	if h.step.rt.Client == nil {
		return nil, fmt.Errorf("execution %s: no orchestrator client", h.executionID)
	}
	return h.step.rt.Client.GetExecution(ctx, h.executionID)
}

// WaitForResult polls until the child settles and returns its result. A
// failed child returns its recorded error; a cancelled child returns an
// error naming the cancellation. Prefer InvokeAndWait when the parent can
// suspend instead of holding its goroutine.
func (h *InvokeHandle) WaitForResult(ctx context.Context) (any, error) {
	for {
		status, err := h.Status(ctx)
		if err != nil {
			return nil, err
		}
		if status.Terminal() {
			switch status.Status {
			case ExecStatusCompleted:
				if len(status.Result) == 0 {
					return nil, nil
				}
				return Deserialize(status.Result)
			case ExecStatusFailed:
				if status.Error != nil {
					return nil, fmt.Errorf("execution %s failed: %w", h.executionID, status.Error)
				}
				return nil, fmt.Errorf("execution %s failed", h.executionID)
			default:
				return nil, fmt.Errorf("execution %s cancelled", h.executionID)
			}
		}
		timer := time.NewTimer(h.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

// Cancel asks the orchestrator to cancel the child. Non-blocking beyond the
// API call; the child settles to cancelled once its worker confirms.
func (h *InvokeHandle) Cancel(ctx context.Context) error {
	if h.step.rt.Client == nil {
		return fmt.Errorf("execution %s: no orchestrator client", h.executionID)
	}
	return h.step.rt.Client.CancelExecution(ctx, h.executionID)
}
