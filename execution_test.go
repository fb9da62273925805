package polos

import (
	"context"
	"errors"
	"testing"
)

func TestNewExecutionContextDefaultsRoots(t *testing.T) {
	ec := newExecutionContext(&WorkRequest{ExecutionID: "exec-1", WorkflowID: "wf"})
	if ec.RootExecutionID != "exec-1" || ec.RootWorkflowID != "wf" {
		t.Errorf("roots = %q/%q, want the execution's own ids", ec.RootExecutionID, ec.RootWorkflowID)
	}

	ec = newExecutionContext(&WorkRequest{
		ExecutionID:     "exec-child",
		WorkflowID:      "child-wf",
		RootExecutionID: "exec-root",
		RootWorkflowID:  "root-wf",
	})
	if ec.RootExecutionID != "exec-root" || ec.RootWorkflowID != "root-wf" {
		t.Errorf("roots = %q/%q, want the dispatched ones kept", ec.RootExecutionID, ec.RootWorkflowID)
	}
}

func TestExecutionTopic(t *testing.T) {
	ec := newExecutionContext(&WorkRequest{
		ExecutionID:     "exec-child",
		WorkflowID:      "child-wf",
		RootExecutionID: "exec-root",
		RootWorkflowID:  "root-wf",
	})
	if got, want := ec.Topic(), CanonicalTopic("root-wf", "exec-root"); got != want {
		t.Errorf("Topic() = %q, want %q", got, want)
	}
}

func TestIsReplay(t *testing.T) {
	if newExecutionContext(&WorkRequest{ExecutionID: "e"}).IsReplay() {
		t.Error("first attempt reported as replay")
	}
	if !newExecutionContext(&WorkRequest{ExecutionID: "e", RetryCount: 2}).IsReplay() {
		t.Error("retried attempt not reported as replay")
	}
}

func TestExecutionContextCancel(t *testing.T) {
	ec := newExecutionContext(&WorkRequest{ExecutionID: "e"})
	ec.Cancel(errors.New("no binding")) // must not panic

	ctx, cancel := context.WithCancelCause(context.Background())
	ec.cancel = cancel
	cause := errors.New("user requested cancel")
	ec.Cancel(cause)
	if context.Cause(ctx) != cause {
		t.Errorf("cause = %v, want %v", context.Cause(ctx), cause)
	}
}

func TestExecutionTraceParent(t *testing.T) {
	inbound := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	ec := newExecutionContext(&WorkRequest{ExecutionID: "e", OtelTraceparent: inbound})
	tp := ec.traceParent()
	if tp.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" || tp.SpanID != "00f067aa0ba902b7" {
		t.Errorf("traceParent = %+v, want the inbound identity", tp)
	}

	ec = newExecutionContext(&WorkRequest{
		ExecutionID:     "exec-child",
		RootExecutionID: "0d9fc840-4b42-49a5-8a23-3cf6efdbcefb",
	})
	tp = ec.traceParent()
	if want := TraceIDFromExecution("0d9fc840-4b42-49a5-8a23-3cf6efdbcefb"); tp.TraceID != want {
		t.Errorf("fallback TraceID = %q, want %q (derived from the root execution)", tp.TraceID, want)
	}
	if tp.SpanID != "" {
		t.Errorf("fallback SpanID = %q, want empty", tp.SpanID)
	}

	ec = newExecutionContext(&WorkRequest{ExecutionID: "e", OtelTraceparent: "garbage"})
	if got := ec.traceParent().TraceID; got != TraceIDFromExecution("e") {
		t.Errorf("unparseable traceparent fell through to %q", got)
	}
}

func TestExecutionContextRoundTrip(t *testing.T) {
	if _, ok := ExecutionFromContext(context.Background()); ok {
		t.Error("empty context reported an execution")
	}
	ec := newExecutionContext(&WorkRequest{ExecutionID: "exec-1"})
	ctx := WithExecutionContext(context.Background(), ec)
	got, ok := ExecutionFromContext(ctx)
	if !ok || got != ec {
		t.Errorf("ExecutionFromContext = %v, %v", got, ok)
	}
}

func TestRuntimeLLMResolution(t *testing.T) {
	llm := &scriptedLLM{}
	rt := &Runtime{LLMs: map[string]LLM{"scripted": llm}}

	got, err := rt.llm("scripted")
	if err != nil || got != LLM(llm) {
		t.Fatalf("llm(scripted) = %v, %v", got, err)
	}
	if _, err := rt.llm("anthropic"); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestRuntimeFallbacks(t *testing.T) {
	rt := &Runtime{}
	if rt.log() == nil {
		t.Error("log() = nil")
	}
	if rt.trace() == nil {
		t.Error("trace() = nil")
	}
	if rt.registry() == nil {
		t.Error("registry() = nil")
	}
	if rt.estimator() == nil {
		t.Error("estimator() = nil")
	}
}
