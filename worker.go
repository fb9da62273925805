package polos

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Worker lifecycle states. Transitions are strictly
// stopped → starting → running → stopping → stopped; anything else is
// rejected.
const (
	workerStopped int32 = iota
	workerStarting
	workerRunning
	workerStopping
)

func workerStateName(s int32) string {
	switch s {
	case workerStopped:
		return "stopped"
	case workerStarting:
		return "starting"
	case workerRunning:
		return "running"
	case workerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Worker defaults.
const (
	defaultWorkerPort             = 8787
	defaultMaxConcurrentWorkflows = 100
	defaultHeartbeatInterval      = 30 * time.Second
	defaultShutdownTimeout        = 30 * time.Second
	reportTimeout                 = 30 * time.Second
)

type workerOptions struct {
	registry        *Registry
	llms            map[string]LLM
	logger          *Logger
	tracer          Tracer
	estimator       TokenEstimator
	projectID       string
	port            int
	localMode       bool
	pushEndpointURL string
	maxConcurrent   int
	heartbeat       time.Duration
	shutdownTimeout time.Duration
}

// WorkerOption configures a Worker at construction.
type WorkerOption func(*workerOptions)

// WithRegistry uses a private registry instead of the package default.
func WithRegistry(r *Registry) WorkerOption { return func(o *workerOptions) { o.registry = r } }

// WithLLM makes an LLM available to agents under the given provider name.
func WithLLM(provider string, llm LLM) WorkerOption {
	return func(o *workerOptions) {
		if o.llms == nil {
			o.llms = map[string]LLM{}
		}
		o.llms[provider] = llm
	}
}

// WithWorkerLogger sets the logger (default: level from POLOS_LOG_LEVEL).
func WithWorkerLogger(l *Logger) WorkerOption { return func(o *workerOptions) { o.logger = l } }

// WithWorkerTracer sets the tracer used for execution and step spans.
func WithWorkerTracer(t Tracer) WorkerOption { return func(o *workerOptions) { o.tracer = t } }

// WithTokenEstimator overrides the compaction token estimator.
func WithTokenEstimator(e TokenEstimator) WorkerOption {
	return func(o *workerOptions) { o.estimator = e }
}

// WithProjectID scopes worker registration to a project.
func WithProjectID(id string) WorkerOption { return func(o *workerOptions) { o.projectID = id } }

// WithPort sets the inbound server port (default 8787, 0 picks a free one).
func WithPort(port int) WorkerOption { return func(o *workerOptions) { o.port = port } }

// WithLocalMode binds the inbound server to loopback only.
func WithLocalMode(local bool) WorkerOption { return func(o *workerOptions) { o.localMode = local } }

// WithPushEndpoint overrides the URL advertised to the orchestrator.
func WithPushEndpoint(url string) WorkerOption {
	return func(o *workerOptions) { o.pushEndpointURL = url }
}

// WithMaxConcurrentWorkflows bounds parallel executions (default 100).
func WithMaxConcurrentWorkflows(n int) WorkerOption {
	return func(o *workerOptions) { o.maxConcurrent = n }
}

// WithHeartbeatInterval overrides the 30s heartbeat period.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) { o.heartbeat = d }
}

// WithShutdownTimeout bounds how long Shutdown waits for active executions.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) { o.shutdownTimeout = d }
}

// activeExecution is the worker's handle on one in-flight dispatch.
type activeExecution struct {
	workflowID string
	cancel     context.CancelCauseFunc
	startedAt  time.Time
}

// Worker is the process-level runtime: it registers the deployment's
// definitions with the orchestrator, receives pushed work over HTTP, runs
// each execution through the executor, and reports terminal outcomes back.
type Worker struct {
	client       *Client
	deploymentID string
	opts         workerOptions
	logger       *Logger

	rt     *Runtime
	exec   *Executor
	server *workServer

	state atomic.Int32

	mu       sync.Mutex
	workerID string
	active   map[string]*activeExecution

	wg     sync.WaitGroup
	hbStop chan struct{}
	hbDone chan struct{}
	done   chan struct{}
}

// NewWorker builds a worker for one deployment. Definitions come from the
// configured registry (default: the package registry).
func NewWorker(client *Client, deploymentID string, opts ...WorkerOption) *Worker {
	o := workerOptions{
		registry:        DefaultRegistry(),
		port:            defaultWorkerPort,
		maxConcurrent:   defaultMaxConcurrentWorkflows,
		heartbeat:       defaultHeartbeatInterval,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewLoggerFromEnv()
	}
	rt := &Runtime{
		Client:    client,
		Registry:  o.registry,
		LLMs:      o.llms,
		Logger:    o.logger,
		Tracer:    o.tracer,
		Estimator: o.estimator,
	}
	w := &Worker{
		client:       client,
		deploymentID: deploymentID,
		opts:         o,
		logger:       o.logger.Child("component", "worker", "deployment_id", deploymentID),
		rt:           rt,
		active:       map[string]*activeExecution{},
		done:         make(chan struct{}),
	}
	w.exec = NewExecutor(rt)
	return w
}

// WorkerID returns the orchestrator-assigned id, empty before registration.
func (w *Worker) WorkerID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workerID
}

// State reports the lifecycle state name.
func (w *Worker) State() string { return workerStateName(w.state.Load()) }

// ActiveExecutions reports how many dispatches are currently running.
func (w *Worker) ActiveExecutions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Addr returns the inbound server address, empty before Start.
func (w *Worker) Addr() string {
	if w.server == nil {
		return ""
	}
	return w.server.addr()
}

// --- lifecycle ---

// Start registers with the orchestrator, starts the inbound server and the
// heartbeat, and returns once the worker is accepting work.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(workerStopped, workerStarting) {
		return fmt.Errorf("worker: cannot start from state %q", w.State())
	}
	w.logger.Info("worker starting")

	if err := w.registerAll(ctx); err != nil {
		w.state.Store(workerStopped)
		return err
	}

	w.server = newWorkServer(w.opts.port, w.opts.localMode, serverHooks{
		dispatch: w.acceptWork,
		cancel:   w.cancelExecution,
	}, w.logger)
	if err := w.server.start(); err != nil {
		w.state.Store(workerStopped)
		return fmt.Errorf("worker: start server: %w", err)
	}

	w.hbStop = make(chan struct{})
	w.hbDone = make(chan struct{})
	go w.heartbeatLoop()

	w.state.Store(workerRunning)
	w.logger.Info("worker running", "worker_id", w.WorkerID(), "addr", w.server.addr())
	return nil
}

// Run starts the worker and parks until ctx is cancelled or Shutdown is
// called elsewhere. Callers typically wrap ctx with signal.NotifyContext.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return w.Shutdown(context.Background())
	case <-w.done:
		return nil
	}
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (w *Worker) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return w.Run(ctx)
}

// Shutdown stops the heartbeat, aborts every active execution, waits up to
// the shutdown timeout for them to report, then stops the inbound server.
func (w *Worker) Shutdown(ctx context.Context) error {
	if !w.state.CompareAndSwap(workerRunning, workerStopping) {
		return fmt.Errorf("worker: cannot shut down from state %q", w.State())
	}
	w.logger.Info("worker stopping")

	close(w.hbStop)
	<-w.hbDone

	w.mu.Lock()
	for id, ae := range w.active {
		w.logger.Info("aborting active execution", "execution_id", id, "workflow_id", ae.workflowID)
		ae.cancel(errWorkerShutdown)
	}
	w.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()
	timer := time.NewTimer(w.opts.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		w.logger.Warn("shutdown timed out waiting for executions", "timeout", w.opts.shutdownTimeout, "active", w.ActiveExecutions())
	case <-ctx.Done():
		w.logger.Warn("shutdown interrupted", "error", context.Cause(ctx))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.server.stop(stopCtx)

	w.state.Store(workerStopped)
	close(w.done)
	w.logger.Info("worker stopped")
	return err
}

// --- registration ---

// registerAll runs the registration sequence: worker, deployment,
// definitions, queues, online. It also serves re-registration when a
// heartbeat reports the orchestrator lost track of this worker.
func (w *Worker) registerAll(ctx context.Context) error {
	workerID, err := w.client.RegisterWorker(ctx, WorkerRegistration{
		DeploymentID:            w.deploymentID,
		ProjectID:               w.opts.projectID,
		Mode:                    "push",
		Capabilities:            w.capabilities(),
		MaxConcurrentExecutions: w.opts.maxConcurrent,
		PushEndpointURL:         w.pushEndpoint(),
	})
	if err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}
	w.mu.Lock()
	first := w.workerID == ""
	w.workerID = workerID
	w.mu.Unlock()
	if first {
		// Runtime fields are read-only once executions may be running.
		w.rt.WorkerID = workerID
	}

	if err := w.client.RegisterDeployment(ctx, w.deploymentID); err != nil {
		return fmt.Errorf("worker: register deployment: %w", err)
	}

	defs := w.opts.registry.List()
	for _, def := range defs {
		if err := w.registerDefinition(ctx, def); err != nil {
			return err
		}
	}

	if queues := collectQueues(defs); len(queues) > 0 {
		if err := w.client.RegisterQueues(ctx, w.deploymentID, queues); err != nil {
			w.logger.Warn("queue registration failed", "error", err)
		}
	}
	if err := w.client.MarkOnline(ctx, workerID); err != nil {
		w.logger.Warn("mark online failed", "error", err)
	}
	w.logger.Info("registered with orchestrator", "worker_id", workerID, "definitions", len(defs))
	return nil
}

func (w *Worker) capabilities() WorkerCapabilities {
	caps := WorkerCapabilities{
		Runtime:     "go",
		AgentIDs:    []string{},
		ToolIDs:     []string{},
		WorkflowIDs: []string{},
	}
	for _, def := range w.opts.registry.List() {
		switch def.Kind {
		case KindAgent:
			caps.AgentIDs = append(caps.AgentIDs, def.ID)
		case KindTool:
			caps.ToolIDs = append(caps.ToolIDs, def.ID)
		default:
			caps.WorkflowIDs = append(caps.WorkflowIDs, def.ID)
		}
	}
	return caps
}

func (w *Worker) pushEndpoint() string {
	if w.opts.pushEndpointURL != "" {
		return w.opts.pushEndpointURL
	}
	host := "127.0.0.1"
	if !w.opts.localMode {
		if h, err := os.Hostname(); err == nil && h != "" {
			host = h
		}
	}
	return fmt.Sprintf("http://%s:%d", host, w.opts.port)
}

func (w *Worker) registerDefinition(ctx context.Context, def *WorkflowDefinition) error {
	switch def.Kind {
	case KindAgent:
		cfg := def.Agent
		reg := AgentRegistration{
			ID:              def.ID,
			DeploymentID:    w.deploymentID,
			Provider:        cfg.Provider,
			Model:           cfg.Model,
			SystemPrompt:    cfg.SystemPrompt,
			Tools:           cfg.Tools,
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}
		if def.OutputSchema != nil {
			reg.ResultSchema = def.OutputSchema.Raw()
		}
		if err := w.client.RegisterAgent(ctx, reg); err != nil {
			return fmt.Errorf("worker: register agent %q: %w", def.ID, err)
		}
	case KindTool:
		if err := w.client.RegisterTool(ctx, ToolRegistration{
			ID:           def.ID,
			DeploymentID: w.deploymentID,
			ToolType:     "workflow",
			Description:  def.Description,
			Parameters:   def.Parameters,
		}); err != nil {
			return fmt.Errorf("worker: register tool %q: %w", def.ID, err)
		}
	}

	reg := WorkflowRegistration{WorkflowID: def.ID, WorkflowType: string(def.Kind)}
	switch def.Trigger.Kind {
	case TriggerEvent:
		reg.TriggerOnEvent = def.Trigger.Topic
	case TriggerCron:
		reg.Scheduled = &ScheduleSpec{Cron: def.Trigger.Expr}
	}
	if err := w.client.RegisterWorkflow(ctx, w.deploymentID, reg); err != nil {
		return fmt.Errorf("worker: register workflow %q: %w", def.ID, err)
	}
	return nil
}

// collectQueues folds definition queue bindings into one registration per
// lane, taking the smallest declared limit. A zero limit means the
// definition declared no bound and never wins over a declared one.
// Scheduled workflows are omitted; the orchestrator lanes those itself.
func collectQueues(defs []*WorkflowDefinition) []QueueRegistration {
	limits := map[string]int{}
	var order []string
	for _, def := range defs {
		if def.Queue == nil || def.Trigger.Scheduled() {
			continue
		}
		name, limit := def.Queue.Name, def.Queue.ConcurrencyLimit
		cur, seen := limits[name]
		switch {
		case !seen:
			order = append(order, name)
			limits[name] = limit
		case cur == 0 && limit > 0:
			limits[name] = limit
		case limit > 0 && limit < cur:
			limits[name] = limit
		}
	}
	out := make([]QueueRegistration, 0, len(order))
	for _, name := range order {
		out = append(out, QueueRegistration{Name: name, ConcurrencyLimit: limits[name]})
	}
	return out
}

// --- heartbeat ---

func (w *Worker) heartbeatLoop() {
	defer close(w.hbDone)
	ticker := time.NewTicker(w.opts.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-w.hbStop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.heartbeat)
		reRegister, err := w.client.Heartbeat(ctx, w.WorkerID())
		if err != nil {
			w.logger.Warn("heartbeat failed", "error", err)
			cancel()
			continue
		}
		if reRegister {
			w.logger.Info("orchestrator requested re-registration")
			if err := w.registerAll(ctx); err != nil {
				w.logger.Error("re-registration failed", "error", err)
			}
		}
		cancel()
	}
}

// --- dispatch ---

// acceptWork is the /work hook: admission control, then a goroutine per
// execution. Returns whether the dispatch was accepted.
func (w *Worker) acceptWork(work WorkRequest) bool {
	if w.state.Load() != workerRunning {
		return false
	}
	def := w.resolve(work.WorkflowID)
	if def == nil {
		w.logger.Warn("dispatch for unknown workflow", "workflow_id", work.WorkflowID, "execution_id", work.ExecutionID)
		return false
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	w.mu.Lock()
	if _, dup := w.active[work.ExecutionID]; dup {
		w.mu.Unlock()
		cancel(nil)
		w.logger.Warn("duplicate dispatch ignored", "execution_id", work.ExecutionID)
		return false
	}
	if len(w.active) >= w.opts.maxConcurrent {
		w.mu.Unlock()
		cancel(nil)
		w.logger.Warn("at capacity, rejecting dispatch", "execution_id", work.ExecutionID, "max", w.opts.maxConcurrent)
		return false
	}
	w.active[work.ExecutionID] = &activeExecution{
		workflowID: work.WorkflowID,
		cancel:     cancel,
		startedAt:  time.Now(),
	}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.runExecution(ctx, def, work)
	return true
}

// resolve looks the workflow up in the configured registry, then the
// package default.
func (w *Worker) resolve(workflowID string) *WorkflowDefinition {
	if def, ok := w.opts.registry.Get(workflowID); ok {
		return def
	}
	if w.opts.registry != DefaultRegistry() {
		if def, ok := DefaultRegistry().Get(workflowID); ok {
			return def
		}
	}
	return nil
}

// cancelExecution is the /cancel hook.
func (w *Worker) cancelExecution(executionID string) bool {
	w.mu.Lock()
	ae, ok := w.active[executionID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	w.logger.Info("cancelling execution", "execution_id", executionID)
	ae.cancel(errCancelRequested)
	return true
}

func (w *Worker) runExecution(ctx context.Context, def *WorkflowDefinition, work WorkRequest) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.active, work.ExecutionID)
		w.mu.Unlock()
	}()
	res := w.exec.Execute(ctx, def, work)
	w.report(def, work, res)
}

// --- terminal reporting ---

// report translates the executor's verdict into orchestrator calls. It runs
// on a fresh context so reporting survives the abort that ended the
// execution. Terminal events go out before the report, and a 409 on any
// report means the execution was reassigned and the outcome is dropped.
func (w *Worker) report(def *WorkflowDefinition, work WorkRequest, res ExecutionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	switch {
	case res.Waiting:
		// The orchestrator re-dispatches when the wait resolves; nothing to
		// report.
		return

	case res.Cancelled:
		w.publishTerminal(ctx, work, EventWorkflowCancel, map[string]any{
			"executionId": work.ExecutionID,
			"workflowId":  work.WorkflowID,
		})
		if err := w.client.ConfirmCancellation(ctx, work.ExecutionID, w.WorkerID()); err != nil {
			w.logger.Error("cancel confirmation failed", "execution_id", work.ExecutionID, "error", err)
		}

	case res.Err != nil:
		rep := FailureReport{
			Error:     StepError{Message: res.Err.Error(), Type: errorTypeName(res.Err)},
			Retryable: res.Retryable,
			WorkerID:  w.WorkerID(),
		}
		if res.FinalState != nil {
			if out, err := Serialize(res.FinalState); err == nil {
				rep.FinalState = json.RawMessage(out)
			}
		}
		if err := w.client.FailExecution(ctx, work.ExecutionID, rep); err != nil {
			w.logger.Error("failure report failed", "execution_id", work.ExecutionID, "error", err)
		}

	default:
		out, err := Serialize(res.Result)
		if err != nil {
			w.logger.Error("result serialization failed", "execution_id", work.ExecutionID, "error", err)
			_ = w.client.FailExecution(ctx, work.ExecutionID, FailureReport{
				Error:    StepError{Message: fmt.Sprintf("serialize result: %v", err), Type: "Error"},
				WorkerID: w.WorkerID(),
			})
			return
		}
		w.publishTerminal(ctx, work, EventWorkflowFinish, map[string]any{
			"executionId": work.ExecutionID,
			"workflowId":  work.WorkflowID,
			"result":      json.RawMessage(out),
		})
		rep := CompletionReport{Result: json.RawMessage(out), WorkerID: w.WorkerID()}
		if res.FinalState != nil {
			if state, err := Serialize(res.FinalState); err == nil {
				rep.FinalState = json.RawMessage(state)
			}
		}
		if err := w.client.CompleteExecution(ctx, work.ExecutionID, rep); err != nil {
			w.logger.Error("completion report failed", "execution_id", work.ExecutionID, "error", err)
		}
	}
}

// publishTerminal emits a terminal lifecycle event on the run's canonical
// topic. Best effort: the report that follows is the source of truth.
func (w *Worker) publishTerminal(ctx context.Context, work WorkRequest, eventType EventType, data any) {
	rootWorkflowID := work.RootWorkflowID
	if rootWorkflowID == "" {
		rootWorkflowID = work.WorkflowID
	}
	rootExecutionID := work.RootExecutionID
	if rootExecutionID == "" {
		rootExecutionID = work.ExecutionID
	}
	err := w.client.PublishEvents(ctx, PublishRequest{
		Topic:           CanonicalTopic(rootWorkflowID, rootExecutionID),
		Events:          []Event{{Type: eventType, Data: data}},
		ExecutionID:     work.ExecutionID,
		RootExecutionID: rootExecutionID,
	})
	if err != nil {
		w.logger.Warn("terminal event publish failed", "execution_id", work.ExecutionID, "event", string(eventType), "error", err)
	}
}
