package polos

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// scriptedLLM is a test LLM that returns canned responses in order and
// records every request it saw.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []GenerateResponse // popped in order
	idx       int
	reqs      []GenerateRequest
}

func (m *scriptedLLM) Name() string { return "scripted" }

func (m *scriptedLLM) Generate(_ context.Context, req GenerateRequest) (GenerateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return m.next(), nil
}

func (m *scriptedLLM) GenerateStream(_ context.Context, req GenerateRequest, ch chan<- string) (GenerateResponse, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	resp := m.next()
	m.mu.Unlock()
	if resp.Content != "" {
		ch <- resp.Content
	}
	return resp, nil
}

func (m *scriptedLLM) next() GenerateResponse {
	if m.idx >= len(m.responses) {
		return GenerateResponse{Content: "exhausted"}
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp
}

func (m *scriptedLLM) requests() []GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GenerateRequest, len(m.reqs))
	copy(out, m.reqs)
	return out
}

func (m *scriptedLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

// timerReg mirrors the RegisterTimer request body.
type timerReg struct {
	StepKey  string    `json:"stepKey"`
	ResumeAt time.Time `json:"resumeAt"`
}

// fakeOrchestrator fakes the platform REST API: every endpoint records what
// it received and answers with scriptable values.
type fakeOrchestrator struct {
	t   *testing.T
	srv *httptest.Server

	mu sync.Mutex

	workerID    string
	reRegister  bool // next heartbeat answers re_register=true, then resets
	heartbeats  []string
	workerRegs  []WorkerRegistration
	deployments []string
	onlines     []string

	agentRegs    []AgentRegistration
	toolRegs     []ToolRegistration
	workflowRegs []WorkflowRegistration
	queueRegs    [][]QueueRegistration

	published []PublishRequest

	completions    map[string][]CompletionReport
	failures       map[string][]FailureReport
	cancelConfirms []string
	conflictIDs    map[string]bool // completion paths answer 409 for these

	stepReports map[string][]StepReport

	invokes   []InvokeRequest
	invokeIDs []string // popped in order; generated when empty

	statuses map[string][]ExecutionStatus // popped per execution, last repeats
	cancels  []string

	timers map[string][]timerReg
	subs   map[string][]SubscriptionRequest

	memories map[string]*SessionMemory

	spanBatches [][]SpanRecord
}

func newFakeOrchestrator(t *testing.T) *fakeOrchestrator {
	t.Helper()
	f := &fakeOrchestrator{
		t:           t,
		workerID:    "w-test",
		completions: map[string][]CompletionReport{},
		failures:    map[string][]FailureReport{},
		conflictIDs: map[string]bool{},
		stepReports: map[string][]StepReport{},
		statuses:    map[string][]ExecutionStatus{},
		timers:      map[string][]timerReg{},
		subs:        map[string][]SubscriptionRequest{},
		memories:    map[string]*SessionMemory{},
	}
	f.srv = httptest.NewServer(f.mux())
	t.Cleanup(f.srv.Close)
	return f
}

// client returns a Client pointed at the fake with retries effectively off.
func (f *fakeOrchestrator) client() *Client {
	return NewClient(f.srv.URL, "test-key", WithClientRetry(1, time.Millisecond, time.Millisecond))
}

func (f *fakeOrchestrator) url() string { return f.srv.URL }

func (f *fakeOrchestrator) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /workers/register", func(w http.ResponseWriter, r *http.Request) {
		reg := decodeAs[WorkerRegistration](f.t, r)
		f.mu.Lock()
		f.workerRegs = append(f.workerRegs, reg)
		id := f.workerID
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"worker_id": id})
	})
	mux.HandleFunc("POST /deployments", func(w http.ResponseWriter, r *http.Request) {
		body := decodeAs[map[string]string](f.t, r)
		f.mu.Lock()
		f.deployments = append(f.deployments, body["deploymentId"])
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /workers/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.heartbeats = append(f.heartbeats, r.PathValue("id"))
		re := f.reRegister
		f.reRegister = false
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]bool{"re_register": re})
	})
	mux.HandleFunc("POST /workers/{id}/online", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.onlines = append(f.onlines, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /agents", func(w http.ResponseWriter, r *http.Request) {
		reg := decodeAs[AgentRegistration](f.t, r)
		f.mu.Lock()
		f.agentRegs = append(f.agentRegs, reg)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /tools", func(w http.ResponseWriter, r *http.Request) {
		reg := decodeAs[ToolRegistration](f.t, r)
		f.mu.Lock()
		f.toolRegs = append(f.toolRegs, reg)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /deployments/{id}/workflows", func(w http.ResponseWriter, r *http.Request) {
		reg := decodeAs[WorkflowRegistration](f.t, r)
		f.mu.Lock()
		f.workflowRegs = append(f.workflowRegs, reg)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /queues", func(w http.ResponseWriter, r *http.Request) {
		body := decodeAs[struct {
			Queues []QueueRegistration `json:"queues"`
		}](f.t, r)
		f.mu.Lock()
		f.queueRegs = append(f.queueRegs, body.Queues)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /events/publish", func(w http.ResponseWriter, r *http.Request) {
		req := decodeAs[PublishRequest](f.t, r)
		f.mu.Lock()
		f.published = append(f.published, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /executions/invoke", func(w http.ResponseWriter, r *http.Request) {
		req := decodeAs[InvokeRequest](f.t, r)
		f.mu.Lock()
		f.invokes = append(f.invokes, req)
		var id string
		if len(f.invokeIDs) > 0 {
			id = f.invokeIDs[0]
			f.invokeIDs = f.invokeIDs[1:]
		} else {
			id = fmt.Sprintf("exec-child-%d", len(f.invokes))
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"execution_id": id})
	})
	mux.HandleFunc("POST /executions/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rep := decodeAs[CompletionReport](f.t, r)
		f.mu.Lock()
		conflict := f.conflictIDs[id]
		if !conflict {
			f.completions[id] = append(f.completions[id], rep)
		}
		f.mu.Unlock()
		if conflict {
			http.Error(w, `{"error":"execution reassigned"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /executions/{id}/fail", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rep := decodeAs[FailureReport](f.t, r)
		f.mu.Lock()
		conflict := f.conflictIDs[id]
		if !conflict {
			f.failures[id] = append(f.failures[id], rep)
		}
		f.mu.Unlock()
		if conflict {
			http.Error(w, `{"error":"execution reassigned"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /executions/{id}/cancel/confirm", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		conflict := f.conflictIDs[id]
		if !conflict {
			f.cancelConfirms = append(f.cancelConfirms, id)
		}
		f.mu.Unlock()
		if conflict {
			http.Error(w, `{"error":"execution reassigned"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /executions/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cancels = append(f.cancels, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /executions/{id}/steps", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rep := decodeAs[StepReport](f.t, r)
		f.mu.Lock()
		f.stepReports[id] = append(f.stepReports[id], rep)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /executions/{id}/timers", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		reg := decodeAs[timerReg](f.t, r)
		f.mu.Lock()
		f.timers[id] = append(f.timers[id], reg)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /executions/{id}/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		req := decodeAs[SubscriptionRequest](f.t, r)
		f.mu.Lock()
		f.subs[id] = append(f.subs[id], req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		seq := f.statuses[id]
		if len(seq) == 0 {
			f.mu.Unlock()
			http.NotFound(w, r)
			return
		}
		status := seq[0]
		if len(seq) > 1 {
			f.statuses[id] = seq[1:]
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /sessions/{id}/memory", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		mem, ok := f.memories[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, mem)
	})
	mux.HandleFunc("PUT /sessions/{id}/memory", func(w http.ResponseWriter, r *http.Request) {
		mem := decodeAs[SessionMemory](f.t, r)
		f.mu.Lock()
		f.memories[r.PathValue("id")] = &mem
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /internal/spans/batch", func(w http.ResponseWriter, r *http.Request) {
		body := decodeAs[struct {
			Spans []SpanRecord `json:"spans"`
		}](f.t, r)
		f.mu.Lock()
		f.spanBatches = append(f.spanBatches, body.Spans)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// decodeAs decodes a request body, flagging the test on garbage. It must not
// Fatal: handlers run off the test goroutine.
func decodeAs[T any](t *testing.T, r *http.Request) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Errorf("decode %s %s: %v", r.Method, r.URL.Path, err)
	}
	return v
}

// --- scripting ---

func (f *fakeOrchestrator) scriptReRegister() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reRegister = true
}

func (f *fakeOrchestrator) scriptConflict(executionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflictIDs[executionID] = true
}

func (f *fakeOrchestrator) scriptInvokeIDs(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokeIDs = append(f.invokeIDs, ids...)
}

func (f *fakeOrchestrator) scriptStatus(executionID string, seq ...ExecutionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[executionID] = append(f.statuses[executionID], seq...)
}

func (f *fakeOrchestrator) scriptMemory(sessionID string, mem SessionMemory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories[sessionID] = &mem
}

// --- accessors ---

func (f *fakeOrchestrator) workerRegistrations() []WorkerRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkerRegistration, len(f.workerRegs))
	copy(out, f.workerRegs)
	return out
}

func (f *fakeOrchestrator) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func (f *fakeOrchestrator) onlineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onlines)
}

func (f *fakeOrchestrator) agentRegistrations() []AgentRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AgentRegistration, len(f.agentRegs))
	copy(out, f.agentRegs)
	return out
}

func (f *fakeOrchestrator) toolRegistrations() []ToolRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ToolRegistration, len(f.toolRegs))
	copy(out, f.toolRegs)
	return out
}

func (f *fakeOrchestrator) workflowRegistrations() []WorkflowRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkflowRegistration, len(f.workflowRegs))
	copy(out, f.workflowRegs)
	return out
}

func (f *fakeOrchestrator) queueRegistrations() [][]QueueRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]QueueRegistration, len(f.queueRegs))
	copy(out, f.queueRegs)
	return out
}

func (f *fakeOrchestrator) publishedRequests() []PublishRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PublishRequest, len(f.published))
	copy(out, f.published)
	return out
}

// publishedOfType flattens every published event of one type.
func (f *fakeOrchestrator) publishedOfType(et EventType) []Event {
	var out []Event
	for _, req := range f.publishedRequests() {
		for _, ev := range req.Events {
			if ev.Type == et {
				out = append(out, ev)
			}
		}
	}
	return out
}

func (f *fakeOrchestrator) completionsFor(executionID string) []CompletionReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CompletionReport, len(f.completions[executionID]))
	copy(out, f.completions[executionID])
	return out
}

func (f *fakeOrchestrator) failuresFor(executionID string) []FailureReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FailureReport, len(f.failures[executionID]))
	copy(out, f.failures[executionID])
	return out
}

func (f *fakeOrchestrator) cancelConfirmations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelConfirms))
	copy(out, f.cancelConfirms)
	return out
}

func (f *fakeOrchestrator) stepReportsFor(executionID string) []StepReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StepReport, len(f.stepReports[executionID]))
	copy(out, f.stepReports[executionID])
	return out
}

func (f *fakeOrchestrator) invokeRequests() []InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]InvokeRequest, len(f.invokes))
	copy(out, f.invokes)
	return out
}

func (f *fakeOrchestrator) cancelRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancels))
	copy(out, f.cancels)
	return out
}

func (f *fakeOrchestrator) timersFor(executionID string) []timerReg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]timerReg, len(f.timers[executionID]))
	copy(out, f.timers[executionID])
	return out
}

func (f *fakeOrchestrator) subscriptionsFor(executionID string) []SubscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SubscriptionRequest, len(f.subs[executionID]))
	copy(out, f.subs[executionID])
	return out
}

func (f *fakeOrchestrator) memoryOf(sessionID string) *SessionMemory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memories[sessionID]
}

// --- attempt plumbing ---

// newTestRuntime assembles a Runtime the way the worker does, with quiet
// observability and a deterministic estimator.
func newTestRuntime(reg *Registry, client *Client, llm LLM) *Runtime {
	rt := &Runtime{
		Client:    client,
		Registry:  reg,
		Logger:    NopLogger(),
		Tracer:    NopTracer(),
		Estimator: fixedEstimator{},
		WorkerID:  "w-test",
	}
	if llm != nil {
		rt.LLMs = map[string]LLM{"scripted": llm}
	}
	return rt
}

// makeWork builds a root dispatch for one execution.
func makeWork(t *testing.T, executionID, workflowID string, payload any) WorkRequest {
	t.Helper()
	work := WorkRequest{
		ExecutionID:     executionID,
		WorkflowID:      workflowID,
		DeploymentID:    "test-deploy",
		RootExecutionID: executionID,
		RootWorkflowID:  workflowID,
		CreatedAt:       time.Now().UTC(),
	}
	if payload != nil {
		raw, err := Serialize(payload)
		if err != nil {
			t.Fatalf("serialize payload: %v", err)
		}
		work.Payload = raw
	}
	return work
}

// newAttempt binds a step helper to work the way the executor does on
// dispatch.
func newAttempt(rt *Runtime, work WorkRequest) *Step {
	ec := newExecutionContext(&work)
	store := newStepStore()
	store.hydrate(work.Steps)
	return newStep(ec, store, rt)
}

// hydrateFromReports converts the step reports a fake collected into the
// hydrated steps the orchestrator would hand the next attempt.
func hydrateFromReports(t *testing.T, reports []StepReport) []HydratedStep {
	t.Helper()
	out := make([]HydratedStep, 0, len(reports))
	for _, rep := range reports {
		h := HydratedStep{Key: rep.Key, Error: rep.Error}
		if rep.Error == nil {
			raw, err := json.Marshal(rep.Result)
			if err != nil {
				t.Fatalf("re-encode step %q: %v", rep.Key, err)
			}
			h.Value = raw
		}
		out = append(out, h)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
