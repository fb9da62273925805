package polos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// WorkRequest is the push-dispatch body: everything one attempt of an
// execution needs, including the outcomes of steps committed by earlier
// attempts (Steps hydrates the replay cache).
type WorkRequest struct {
	ExecutionID       string          `json:"executionId"`
	WorkflowID        string          `json:"workflowId"`
	DeploymentID      string          `json:"deploymentId"`
	Payload           json.RawMessage `json:"payload"`
	ParentExecutionID string          `json:"parentExecutionId,omitempty"`
	RootExecutionID   string          `json:"rootExecutionId"`
	RootWorkflowID    string          `json:"rootWorkflowId"`
	RetryCount        int             `json:"retryCount"`
	SessionID         string          `json:"sessionId,omitempty"`
	UserID            string          `json:"userId,omitempty"`
	OtelTraceparent   string          `json:"otelTraceparent,omitempty"`
	OtelSpanID        string          `json:"otelSpanId,omitempty"`
	InitialState      json.RawMessage `json:"initialState,omitempty"`
	RunTimeoutSeconds int             `json:"runTimeoutSeconds,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	Steps             []HydratedStep  `json:"steps,omitempty"`
}

// ExecutionContext identifies one attempt of one execution. It lives exactly
// as long as the attempt: the executor installs it into the context before
// the handler runs and tears it down on every exit path.
type ExecutionContext struct {
	ExecutionID       string
	RootExecutionID   string
	ParentExecutionID string
	WorkflowID        string
	RootWorkflowID    string
	DeploymentID      string
	RetryCount        int
	SessionID         string
	UserID            string
	InitialState      json.RawMessage
	RunTimeoutSeconds int
	CreatedAt         time.Time
	Traceparent       string

	cancel context.CancelCauseFunc
}

// newExecutionContext builds the attempt identity from a dispatch. Root ids
// default to the execution's own ids so root executions are their own root.
func newExecutionContext(work *WorkRequest) *ExecutionContext {
	ec := &ExecutionContext{
		ExecutionID:       work.ExecutionID,
		RootExecutionID:   work.RootExecutionID,
		ParentExecutionID: work.ParentExecutionID,
		WorkflowID:        work.WorkflowID,
		RootWorkflowID:    work.RootWorkflowID,
		DeploymentID:      work.DeploymentID,
		RetryCount:        work.RetryCount,
		SessionID:         work.SessionID,
		UserID:            work.UserID,
		InitialState:      work.InitialState,
		RunTimeoutSeconds: work.RunTimeoutSeconds,
		CreatedAt:         work.CreatedAt,
		Traceparent:       work.OtelTraceparent,
	}
	if ec.RootExecutionID == "" {
		ec.RootExecutionID = ec.ExecutionID
	}
	if ec.RootWorkflowID == "" {
		ec.RootWorkflowID = ec.WorkflowID
	}
	return ec
}

// Topic returns the canonical event channel for the whole run tree.
func (ec *ExecutionContext) Topic() string {
	return CanonicalTopic(ec.RootWorkflowID, ec.RootExecutionID)
}

// IsReplay reports whether this attempt follows an earlier one.
func (ec *ExecutionContext) IsReplay() bool { return ec.RetryCount > 0 }

// Cancel aborts the attempt with the given cause. Safe to call when no
// cancellation is bound.
func (ec *ExecutionContext) Cancel(cause error) {
	if ec.cancel != nil {
		ec.cancel(cause)
	}
}

// traceParent resolves the trace identity for this attempt: the inbound
// traceparent when present, otherwise the deterministic root id derived from
// the execution UUID.
func (ec *ExecutionContext) traceParent() TraceParent {
	if tp, ok := ParseTraceParent(ec.Traceparent); ok {
		return tp
	}
	return TraceParent{TraceID: TraceIDFromExecution(ec.RootExecutionID)}
}

type executionContextKey struct{}

// WithExecutionContext installs ec into ctx. The executor refuses to run a
// handler on a context that already carries one; executions never nest
// within a single goroutine's context chain.
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, executionContextKey{}, ec)
}

// ExecutionFromContext returns the current execution identity, if any.
func ExecutionFromContext(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(executionContextKey{}).(*ExecutionContext)
	return ec, ok
}

// Runtime bundles the shared collaborators an execution needs: the
// orchestrator client, the definition registry, the configured LLM
// providers, and observability. One Runtime serves many concurrent
// executions; all fields are read-only after construction.
type Runtime struct {
	Client    *Client
	Registry  *Registry
	LLMs      map[string]LLM
	Logger    *Logger
	Tracer    Tracer
	Estimator TokenEstimator
	WorkerID  string
}

// llm resolves a provider by name.
func (rt *Runtime) llm(provider string) (LLM, error) {
	if l, ok := rt.LLMs[provider]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("no LLM configured for provider %q", provider)
}

func (rt *Runtime) log() *Logger {
	if rt.Logger == nil {
		return NopLogger()
	}
	return rt.Logger
}

func (rt *Runtime) trace() Tracer {
	if rt.Tracer == nil {
		return NopTracer()
	}
	return rt.Tracer
}

func (rt *Runtime) registry() *Registry {
	if rt.Registry == nil {
		return DefaultRegistry()
	}
	return rt.Registry
}

func (rt *Runtime) estimator() TokenEstimator {
	if rt.Estimator == nil {
		return NewTokenEstimator()
	}
	return rt.Estimator
}
