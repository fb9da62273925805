package polos

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// startWorker builds a worker against the fake with quiet defaults and tears
// it down with the test.
func startWorker(t *testing.T, f *fakeOrchestrator, reg *Registry, extra ...WorkerOption) *Worker {
	t.Helper()
	opts := []WorkerOption{
		WithRegistry(reg),
		WithPort(0),
		WithLocalMode(true),
		WithPushEndpoint("http://worker.test:9000"),
		WithWorkerLogger(NopLogger()),
		WithTokenEstimator(fixedEstimator{}),
		WithHeartbeatInterval(time.Hour),
	}
	w := NewWorker(f.client(), "deploy-1", append(opts, extra...)...)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if w.State() == "running" {
			if err := w.Shutdown(context.Background()); err != nil {
				t.Errorf("shutdown: %v", err)
			}
		}
	})
	return w
}

func dispatchWork(t *testing.T, w *Worker, work WorkRequest) acceptedResponse {
	t.Helper()
	resp, out := postJSON(t, "http://"+w.Addr()+"/work", work)
	if resp.StatusCode != 200 {
		t.Fatalf("dispatch status = %d", resp.StatusCode)
	}
	return out
}

func TestWorkerStartRegistersEverything(t *testing.T) {
	f := newFakeOrchestrator(t)
	noop := func(ctx context.Context, step *Step, payload any) (any, error) { return "ok", nil }

	reg := NewRegistry()
	for _, def := range []*WorkflowDefinition{
		NewWorkflow("sum", noop, WithTrigger(EventTrigger("orders/created")), WithQueue("default", 4)),
		NewTool("notify", "Sends a notification", json.RawMessage(`{"type":"object"}`), noop, WithQueue("default", 2)),
		NewAgent("helper", AgentConfig{Provider: "scripted", Model: "test-model", Tools: []string{"notify"}}),
		NewWorkflow("nightly", noop, WithTrigger(MustCronTrigger("0 3 * * *")), WithQueue("batch", 3)),
	} {
		if err := reg.Register(def); err != nil {
			t.Fatal(err)
		}
	}

	w := startWorker(t, f, reg, WithProjectID("proj-9"), WithMaxConcurrentWorkflows(7))
	if w.WorkerID() != "w-test" || w.State() != "running" || w.Addr() == "" {
		t.Fatalf("worker = id %q state %q addr %q", w.WorkerID(), w.State(), w.Addr())
	}

	regs := f.workerRegistrations()
	if len(regs) != 1 {
		t.Fatalf("worker registrations = %d, want 1", len(regs))
	}
	wr := regs[0]
	if wr.DeploymentID != "deploy-1" || wr.ProjectID != "proj-9" || wr.Mode != "push" {
		t.Errorf("registration = %+v", wr)
	}
	if wr.MaxConcurrentExecutions != 7 || wr.PushEndpointURL != "http://worker.test:9000" {
		t.Errorf("registration = %+v", wr)
	}
	if wr.Capabilities.Runtime != "go" {
		t.Errorf("Runtime = %q", wr.Capabilities.Runtime)
	}
	hasAll := func(got []string, want ...string) bool {
		set := map[string]bool{}
		for _, id := range got {
			set[id] = true
		}
		for _, id := range want {
			if !set[id] {
				return false
			}
		}
		return len(got) == len(want)
	}
	if !hasAll(wr.Capabilities.WorkflowIDs, "sum", "nightly") ||
		!hasAll(wr.Capabilities.ToolIDs, "notify") ||
		!hasAll(wr.Capabilities.AgentIDs, "helper") {
		t.Errorf("capabilities = %+v", wr.Capabilities)
	}

	agents := f.agentRegistrations()
	if len(agents) != 1 || agents[0].ID != "helper" || agents[0].Model != "test-model" || agents[0].DeploymentID != "deploy-1" {
		t.Errorf("agent registrations = %+v", agents)
	}
	tools := f.toolRegistrations()
	if len(tools) != 1 || tools[0].ID != "notify" || tools[0].ToolType != "workflow" || tools[0].Description != "Sends a notification" {
		t.Errorf("tool registrations = %+v", tools)
	}

	wfs := map[string]WorkflowRegistration{}
	for _, reg := range f.workflowRegistrations() {
		wfs[reg.WorkflowID] = reg
	}
	if len(wfs) != 4 {
		t.Fatalf("workflow registrations = %v", wfs)
	}
	if got := wfs["sum"]; got.WorkflowType != "workflow" || got.TriggerOnEvent != "orders/created" {
		t.Errorf("sum = %+v", got)
	}
	if got := wfs["nightly"]; got.Scheduled == nil || got.Scheduled.Cron != "0 3 * * *" {
		t.Errorf("nightly = %+v", got)
	}
	if got := wfs["helper"]; got.WorkflowType != "agent" {
		t.Errorf("helper = %+v", got)
	}
	if got := wfs["notify"]; got.WorkflowType != "tool" {
		t.Errorf("notify = %+v", got)
	}

	// One queue call; the scheduled lane stays home and the smaller limit
	// wins for the shared one.
	queues := f.queueRegistrations()
	if len(queues) != 1 || len(queues[0]) != 1 {
		t.Fatalf("queue registrations = %+v", queues)
	}
	if queues[0][0].Name != "default" || queues[0][0].ConcurrencyLimit != 2 {
		t.Errorf("queue = %+v", queues[0][0])
	}

	if f.onlineCount() != 1 {
		t.Errorf("online calls = %d, want 1", f.onlineCount())
	}

	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if w.State() != "stopped" {
		t.Errorf("state after shutdown = %q", w.State())
	}
}

func TestWorkerDispatchReportsCompletion(t *testing.T) {
	f := newFakeOrchestrator(t)
	reg := NewRegistry()
	err := reg.Register(NewWorkflow("sum", func(ctx context.Context, step *Step, payload any) (any, error) {
		m, _ := payload.(map[string]any)
		return m["a"].(float64) + m["b"].(float64), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	w := startWorker(t, f, reg)

	out := dispatchWork(t, w, WorkRequest{
		ExecutionID: "exec-9",
		WorkflowID:  "sum",
		Payload:     json.RawMessage(`{"a":2,"b":3}`),
	})
	if !out.Accepted {
		t.Fatalf("dispatch rejected: %q", out.Reason)
	}

	waitFor(t, 2*time.Second, func() bool { return len(f.completionsFor("exec-9")) == 1 }, "completion never reported")
	rep := f.completionsFor("exec-9")[0]
	if rep.Result != float64(5) || rep.WorkerID != "w-test" {
		t.Errorf("completion = %+v", rep)
	}

	finishes := f.publishedOfType(EventWorkflowFinish)
	if len(finishes) != 1 {
		t.Fatalf("workflow_finish events = %d, want 1", len(finishes))
	}
	data, _ := finishes[0].Data.(map[string]any)
	if data["executionId"] != "exec-9" || data["workflowId"] != "sum" {
		t.Errorf("finish event = %#v", finishes[0].Data)
	}

	waitFor(t, time.Second, func() bool { return w.ActiveExecutions() == 0 }, "execution still tracked after completion")
}

func TestWorkerDispatchReportsFailure(t *testing.T) {
	f := newFakeOrchestrator(t)
	reg := NewRegistry()
	err := reg.Register(NewWorkflow("boom", func(ctx context.Context, step *Step, payload any) (any, error) {
		return nil, errors.New("kaput")
	}))
	if err != nil {
		t.Fatal(err)
	}
	w := startWorker(t, f, reg)

	if out := dispatchWork(t, w, WorkRequest{ExecutionID: "exec-9", WorkflowID: "boom"}); !out.Accepted {
		t.Fatalf("dispatch rejected: %q", out.Reason)
	}

	waitFor(t, 2*time.Second, func() bool { return len(f.failuresFor("exec-9")) == 1 }, "failure never reported")
	rep := f.failuresFor("exec-9")[0]
	if rep.Error.Message != "kaput" || !rep.Retryable || rep.WorkerID != "w-test" {
		t.Errorf("failure = %+v", rep)
	}
	if got := f.publishedOfType(EventWorkflowFinish); len(got) != 0 {
		t.Errorf("workflow_finish events = %d on a failed run", len(got))
	}
}

func TestWorkerRejectsUnknownWorkflow(t *testing.T) {
	f := newFakeOrchestrator(t)
	w := startWorker(t, f, NewRegistry())

	out := dispatchWork(t, w, WorkRequest{ExecutionID: "exec-1", WorkflowID: "nope"})
	if out.Accepted {
		t.Error("dispatch for an unregistered workflow was accepted")
	}
}

func TestWorkerRejectsDuplicateAndCapacity(t *testing.T) {
	f := newFakeOrchestrator(t)
	release := make(chan struct{})
	reg := NewRegistry()
	err := reg.Register(NewWorkflow("hold", func(ctx context.Context, step *Step, payload any) (any, error) {
		select {
		case <-release:
			return "held", nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	w := startWorker(t, f, reg, WithMaxConcurrentWorkflows(1))

	if out := dispatchWork(t, w, WorkRequest{ExecutionID: "exec-1", WorkflowID: "hold"}); !out.Accepted {
		t.Fatalf("dispatch rejected: %q", out.Reason)
	}
	waitFor(t, time.Second, func() bool { return w.ActiveExecutions() == 1 }, "execution never started")

	if out := dispatchWork(t, w, WorkRequest{ExecutionID: "exec-1", WorkflowID: "hold"}); out.Accepted {
		t.Error("duplicate dispatch was accepted")
	}
	if out := dispatchWork(t, w, WorkRequest{ExecutionID: "exec-2", WorkflowID: "hold"}); out.Accepted {
		t.Error("dispatch over capacity was accepted")
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return len(f.completionsFor("exec-1")) == 1 }, "held execution never completed")
}

func TestWorkerCancelConfirmsAndPublishes(t *testing.T) {
	f := newFakeOrchestrator(t)
	reg := NewRegistry()
	err := reg.Register(NewWorkflow("hold", func(ctx context.Context, step *Step, payload any) (any, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	w := startWorker(t, f, reg)

	if out := dispatchWork(t, w, WorkRequest{ExecutionID: "exec-1", WorkflowID: "hold"}); !out.Accepted {
		t.Fatal("dispatch rejected")
	}
	waitFor(t, time.Second, func() bool { return w.ActiveExecutions() == 1 }, "execution never started")

	resp, out := postJSON(t, "http://"+w.Addr()+"/cancel", map[string]string{"executionId": "exec-1"})
	if resp.StatusCode != 200 || !out.Accepted {
		t.Fatalf("cancel status = %d accepted = %v", resp.StatusCode, out.Accepted)
	}

	waitFor(t, 2*time.Second, func() bool { return len(f.cancelConfirmations()) == 1 }, "cancellation never confirmed")
	if got := f.cancelConfirmations()[0]; got != "exec-1" {
		t.Errorf("confirmed = %q", got)
	}
	if got := f.publishedOfType(EventWorkflowCancel); len(got) != 1 {
		t.Errorf("workflow_cancel events = %d, want 1", len(got))
	}
	if got := f.failuresFor("exec-1"); len(got) != 0 {
		t.Errorf("cancelled run also reported failure: %+v", got)
	}

	// Cancelling something we are not running is not accepted.
	_, out = postJSON(t, "http://"+w.Addr()+"/cancel", map[string]string{"executionId": "exec-ghost"})
	if out.Accepted {
		t.Error("cancel for an unknown execution was accepted")
	}
}

func TestWorkerShutdownAbortsActiveExecutions(t *testing.T) {
	f := newFakeOrchestrator(t)
	reg := NewRegistry()
	err := reg.Register(NewWorkflow("hold", func(ctx context.Context, step *Step, payload any) (any, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	w := startWorker(t, f, reg)

	if out := dispatchWork(t, w, WorkRequest{ExecutionID: "exec-1", WorkflowID: "hold"}); !out.Accepted {
		t.Fatal("dispatch rejected")
	}
	waitFor(t, time.Second, func() bool { return w.ActiveExecutions() == 1 }, "execution never started")

	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if w.State() != "stopped" || w.ActiveExecutions() != 0 {
		t.Errorf("state = %q active = %d after shutdown", w.State(), w.ActiveExecutions())
	}

	// Shutdown drains the report before returning.
	failures := f.failuresFor("exec-1")
	if len(failures) != 1 || !strings.Contains(failures[0].Error.Message, "shutting down") {
		t.Errorf("failures = %+v", failures)
	}
	if got := f.cancelConfirmations(); len(got) != 0 {
		t.Errorf("shutdown abort confirmed a cancellation: %v", got)
	}
}

func TestWorkerHeartbeatReRegisters(t *testing.T) {
	f := newFakeOrchestrator(t)
	reg := NewRegistry()
	err := reg.Register(NewWorkflow("sum", func(ctx context.Context, step *Step, payload any) (any, error) {
		return nil, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	w := startWorker(t, f, reg, WithHeartbeatInterval(10*time.Millisecond))

	waitFor(t, 2*time.Second, func() bool { return f.heartbeatCount() >= 1 }, "no heartbeat arrived")
	if hb := f.heartbeatCount(); hb > 0 {
		f.mu.Lock()
		id := f.heartbeats[0]
		f.mu.Unlock()
		if id != "w-test" {
			t.Errorf("heartbeat worker id = %q", id)
		}
	}

	f.scriptReRegister()
	waitFor(t, 2*time.Second, func() bool { return len(f.workerRegistrations()) >= 2 }, "re-registration never happened")
	if f.onlineCount() < 2 {
		t.Errorf("online calls = %d, want a second one after re-registration", f.onlineCount())
	}
	if w.WorkerID() != "w-test" {
		t.Errorf("worker id = %q after re-registration", w.WorkerID())
	}
}

func TestWorkerLifecycleGuards(t *testing.T) {
	f := newFakeOrchestrator(t)
	w := startWorker(t, f, NewRegistry())

	if err := w.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "cannot start") {
		t.Errorf("second start = %v", err)
	}

	fresh := NewWorker(f.client(), "deploy-1", WithRegistry(NewRegistry()), WithWorkerLogger(NopLogger()))
	if err := fresh.Shutdown(context.Background()); err == nil || !strings.Contains(err.Error(), "cannot shut down") {
		t.Errorf("shutdown before start = %v", err)
	}
	if fresh.WorkerID() != "" || fresh.Addr() != "" || fresh.State() != "stopped" {
		t.Errorf("fresh worker = id %q addr %q state %q", fresh.WorkerID(), fresh.Addr(), fresh.State())
	}
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	f := newFakeOrchestrator(t)
	w := NewWorker(f.client(), "deploy-1",
		WithRegistry(NewRegistry()),
		WithPort(0),
		WithLocalMode(true),
		WithPushEndpoint("http://worker.test:9000"),
		WithWorkerLogger(NopLogger()),
		WithHeartbeatInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return w.State() == "running" }, "worker never came up")
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after context cancel")
	}
	if w.State() != "stopped" {
		t.Errorf("state = %q", w.State())
	}
}

func TestCollectQueues(t *testing.T) {
	q := func(name string, limit int) *Queue { return &Queue{Name: name, ConcurrencyLimit: limit} }
	defs := []*WorkflowDefinition{
		{ID: "a", Queue: q("ingest", 4)},
		{ID: "b", Queue: q("ingest", 2)},
		{ID: "c", Queue: q("reports", 0)},
		{ID: "d", Queue: q("reports", 5)},
		{ID: "e", Queue: q("ingest", 0)}, // zero never beats a declared limit
		{ID: "f", Queue: q("nightly", 1), Trigger: MustCronTrigger("0 0 * * *")},
		{ID: "g"},
	}

	got := collectQueues(defs)
	want := []QueueRegistration{
		{Name: "ingest", ConcurrencyLimit: 2},
		{Name: "reports", ConcurrencyLimit: 5},
	}
	if len(got) != len(want) {
		t.Fatalf("queues = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queues[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
