package polos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client talks to the orchestrator's REST API. All methods are safe for
// concurrent use; transient failures (transport errors, 429, 5xx) are
// retried with exponential backoff and a Retry-After floor.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   retryPolicy
	logger  *Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client (default: 30s timeout).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithClientLogger sets the logger for retry and discard events.
func WithClientLogger(l *Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientRetry overrides the retry policy for orchestrator calls.
func WithClientRetry(maxAttempts int, baseDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.retry = retryPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay, maxDelay: maxDelay}
	}
}

// NewClient creates an orchestrator client. baseURL is the API root without
// a trailing slash; apiKey is sent as a bearer token.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		retry:   defaultAPIRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = NopLogger()
	}
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// --- transport ---

// maxErrorBody bounds how much of an error response is kept in the error.
const maxErrorBody = 2048

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := retryCall(ctx, c.retry, method+" "+path, c.logger, func() (struct{}, error) {
		return struct{}{}, c.send(ctx, method, path, body, out)
	})
	return err
}

// send performs one HTTP round-trip. Non-2xx responses and transport errors
// come back as *ErrAPI.
func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ErrAPI{Body: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ErrAPI{Status: resp.StatusCode, Body: "read response: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ErrAPI{
			Status:     resp.StatusCode,
			Body:       truncate(string(data), maxErrorBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

// ParseRetryAfter handles both delta-seconds and HTTP-date forms. Providers
// reuse it when translating their HTTP errors.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// truncate shortens s to at most n bytes, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}

// isConflict reports whether err is a 409. Completion paths treat it as
// "execution reassigned elsewhere" and discard the report.
func isConflict(err error) bool {
	var e *ErrAPI
	return errors.As(err, &e) && e.Status == 409
}

// isNotFound reports whether err is a 404.
func isNotFound(err error) bool {
	var e *ErrAPI
	return errors.As(err, &e) && e.Status == 404
}

// discard409 swallows conflict errors on completion paths.
func (c *Client) discard409(err error, op, executionID string) error {
	if err == nil {
		return nil
	}
	if isConflict(err) {
		c.logger.Debug("report discarded, execution reassigned", "op", op, "execution_id", executionID)
		return nil
	}
	return err
}

// --- worker lifecycle ---

// WorkerCapabilities describe what a worker can execute.
type WorkerCapabilities struct {
	Runtime     string   `json:"runtime"`
	AgentIDs    []string `json:"agentIds"`
	ToolIDs     []string `json:"toolIds"`
	WorkflowIDs []string `json:"workflowIds"`
}

// WorkerRegistration is the body for worker registration.
type WorkerRegistration struct {
	DeploymentID            string             `json:"deploymentId"`
	ProjectID               string             `json:"projectId,omitempty"`
	Mode                    string             `json:"mode"`
	Capabilities            WorkerCapabilities `json:"capabilities"`
	MaxConcurrentExecutions int                `json:"maxConcurrentExecutions"`
	PushEndpointURL         string             `json:"pushEndpointUrl"`
}

// RegisterWorker announces a push-mode worker and returns its assigned id.
func (c *Client) RegisterWorker(ctx context.Context, reg WorkerRegistration) (string, error) {
	var resp struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/workers/register", reg, &resp); err != nil {
		return "", err
	}
	if resp.WorkerID == "" {
		return "", fmt.Errorf("worker registration returned no worker_id")
	}
	return resp.WorkerID, nil
}

// RegisterDeployment ensures the deployment exists upstream.
func (c *Client) RegisterDeployment(ctx context.Context, deploymentID string) error {
	body := map[string]string{"deploymentId": deploymentID}
	return c.do(ctx, http.MethodPost, "/deployments", body, nil)
}

// Heartbeat reports liveness. When the orchestrator lost track of the worker
// it answers with re_register=true and the worker must run the registration
// sequence again.
func (c *Client) Heartbeat(ctx context.Context, workerID string) (reRegister bool, err error) {
	var resp struct {
		ReRegister bool `json:"re_register"`
	}
	if err := c.do(ctx, http.MethodPost, "/workers/"+workerID+"/heartbeat", nil, &resp); err != nil {
		return false, err
	}
	return resp.ReRegister, nil
}

// MarkOnline flips the worker to online after registration completed.
func (c *Client) MarkOnline(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, "/workers/"+workerID+"/online", nil, nil)
}

// --- definition registration ---

// AgentRegistration mirrors an agent definition upstream.
type AgentRegistration struct {
	ID              string          `json:"id"`
	DeploymentID    string          `json:"deploymentId"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	SystemPrompt    string          `json:"systemPrompt,omitempty"`
	Tools           []string        `json:"tools,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	ResultSchema    json.RawMessage `json:"resultSchema,omitempty"`
}

// RegisterAgent announces an agent definition.
func (c *Client) RegisterAgent(ctx context.Context, reg AgentRegistration) error {
	return c.do(ctx, http.MethodPost, "/agents", reg, nil)
}

// ToolRegistration mirrors a tool definition upstream.
type ToolRegistration struct {
	ID           string          `json:"id"`
	DeploymentID string          `json:"deploymentId"`
	ToolType     string          `json:"toolType"`
	Description  string          `json:"description,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// RegisterTool announces a tool definition.
func (c *Client) RegisterTool(ctx context.Context, reg ToolRegistration) error {
	return c.do(ctx, http.MethodPost, "/tools", reg, nil)
}

// ScheduleSpec carries a cron expression for scheduled workflows.
type ScheduleSpec struct {
	Cron string `json:"cron"`
}

// WorkflowRegistration mirrors a workflow entry upstream.
type WorkflowRegistration struct {
	WorkflowID     string        `json:"workflowId"`
	WorkflowType   string        `json:"workflowType"`
	TriggerOnEvent string        `json:"triggerOnEvent,omitempty"`
	Scheduled      *ScheduleSpec `json:"scheduled,omitempty"`
}

// RegisterWorkflow announces a workflow entry under a deployment.
func (c *Client) RegisterWorkflow(ctx context.Context, deploymentID string, reg WorkflowRegistration) error {
	return c.do(ctx, http.MethodPost, "/deployments/"+deploymentID+"/workflows", reg, nil)
}

// QueueRegistration declares a dispatch lane and its concurrency limit.
type QueueRegistration struct {
	Name             string `json:"name"`
	ConcurrencyLimit int    `json:"concurrencyLimit,omitempty"`
}

// RegisterQueues announces the queues the deployment's definitions bind to.
func (c *Client) RegisterQueues(ctx context.Context, deploymentID string, queues []QueueRegistration) error {
	body := struct {
		DeploymentID string              `json:"deploymentId"`
		Queues       []QueueRegistration `json:"queues"`
	}{DeploymentID: deploymentID, Queues: queues}
	return c.do(ctx, http.MethodPost, "/queues", body, nil)
}

// --- events ---

// PublishRequest is a batch of events for one topic. Events in a single
// request are delivered in order.
type PublishRequest struct {
	Topic           string  `json:"topic"`
	Events          []Event `json:"events"`
	ExecutionID     string  `json:"executionId,omitempty"`
	RootExecutionID string  `json:"rootExecutionId,omitempty"`
}

// PublishEvents delivers events to a topic. Fire-and-forget from the
// caller's perspective; the orchestrator handles fan-out.
func (c *Client) PublishEvents(ctx context.Context, req PublishRequest) error {
	return c.do(ctx, http.MethodPost, "/events/publish", req, nil)
}

// --- execution reporting ---

// CompletionReport closes an execution with its result.
type CompletionReport struct {
	Result     any    `json:"result"`
	WorkerID   string `json:"workerId"`
	FinalState any    `json:"finalState,omitempty"`
}

// CompleteExecution reports success. A 409 means the execution was
// reassigned to another worker; the report is discarded silently.
func (c *Client) CompleteExecution(ctx context.Context, executionID string, rep CompletionReport) error {
	err := c.do(ctx, http.MethodPost, "/executions/"+executionID+"/complete", rep, nil)
	return c.discard409(err, "complete", executionID)
}

// FailureReport closes an execution with an error.
type FailureReport struct {
	Error      StepError `json:"error"`
	Stack      string    `json:"stack,omitempty"`
	Retryable  bool      `json:"retryable"`
	WorkerID   string    `json:"workerId"`
	FinalState any       `json:"finalState,omitempty"`
}

// FailExecution reports failure. 409 is discarded silently.
func (c *Client) FailExecution(ctx context.Context, executionID string, rep FailureReport) error {
	err := c.do(ctx, http.MethodPost, "/executions/"+executionID+"/fail", rep, nil)
	return c.discard409(err, "fail", executionID)
}

// ConfirmCancellation acknowledges that the worker stopped the execution.
// 409 is discarded silently.
func (c *Client) ConfirmCancellation(ctx context.Context, executionID, workerID string) error {
	body := map[string]string{"workerId": workerID}
	err := c.do(ctx, http.MethodPost, "/executions/"+executionID+"/cancel/confirm", body, nil)
	return c.discard409(err, "cancel_confirm", executionID)
}

// --- steps and sub-executions ---

// StepReport persists one step outcome so later attempts replay it.
type StepReport struct {
	Key         string     `json:"key"`
	Result      any        `json:"result,omitempty"`
	Error       *StepError `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completedAt"`
}

// ReportStep records a step outcome for an execution.
func (c *Client) ReportStep(ctx context.Context, executionID string, rep StepReport) error {
	return c.do(ctx, http.MethodPost, "/executions/"+executionID+"/steps", rep, nil)
}

// InvokeRequest spawns a sub-execution. Root ids flow through unchanged so
// the whole tree shares a canonical topic; ParentStepKey tells the
// orchestrator which step to hydrate when the child settles.
type InvokeRequest struct {
	WorkflowID        string `json:"workflowId"`
	Payload           any    `json:"payload"`
	ParentExecutionID string `json:"parentExecutionId"`
	RootExecutionID   string `json:"rootExecutionId"`
	RootWorkflowID    string `json:"rootWorkflowId"`
	ParentStepKey     string `json:"parentStepKey,omitempty"`
	Queue             string `json:"queue,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
	UserID            string `json:"userId,omitempty"`
}

// InvokeExecution creates a sub-execution and returns its id.
func (c *Client) InvokeExecution(ctx context.Context, req InvokeRequest) (string, error) {
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/executions/invoke", req, &resp); err != nil {
		return "", err
	}
	if resp.ExecutionID == "" {
		return "", fmt.Errorf("invoke returned no execution_id")
	}
	return resp.ExecutionID, nil
}

// Execution statuses reported by GetExecution.
const (
	ExecStatusPending   = "pending"
	ExecStatusRunning   = "running"
	ExecStatusSuspended = "suspended"
	ExecStatusCompleted = "completed"
	ExecStatusFailed    = "failed"
	ExecStatusCancelled = "cancelled"
)

// ExecutionStatus is the orchestrator's view of an execution.
type ExecutionStatus struct {
	ExecutionID string          `json:"execution_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *StepError      `json:"error,omitempty"`
}

// Terminal reports whether the execution reached a final state.
func (s *ExecutionStatus) Terminal() bool {
	switch s.Status {
	case ExecStatusCompleted, ExecStatusFailed, ExecStatusCancelled:
		return true
	}
	return false
}

// GetExecution fetches the current status of an execution.
func (c *Client) GetExecution(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	var resp ExecutionStatus
	if err := c.do(ctx, http.MethodGet, "/executions/"+executionID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelExecution asks the orchestrator to cancel an execution.
func (c *Client) CancelExecution(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+executionID+"/cancel", struct{}{}, nil)
}

// RegisterTimer schedules a wake-up for a waiting step.
func (c *Client) RegisterTimer(ctx context.Context, executionID, stepKey string, resumeAt time.Time) error {
	body := struct {
		StepKey  string    `json:"stepKey"`
		ResumeAt time.Time `json:"resumeAt"`
	}{StepKey: stepKey, ResumeAt: resumeAt.UTC()}
	return c.do(ctx, http.MethodPost, "/executions/"+executionID+"/timers", body, nil)
}

// SubscriptionRequest subscribes a waiting step to a topic.
type SubscriptionRequest struct {
	StepKey        string `json:"stepKey"`
	Topic          string `json:"topic"`
	EventType      string `json:"eventType,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// RegisterSubscription registers an event wait for a step.
func (c *Client) RegisterSubscription(ctx context.Context, executionID string, req SubscriptionRequest) error {
	return c.do(ctx, http.MethodPost, "/executions/"+executionID+"/subscriptions", req, nil)
}

// --- session memory ---

// GetSessionMemory loads the persisted conversation for a session. A missing
// session yields empty memory, not an error.
func (c *Client) GetSessionMemory(ctx context.Context, sessionID string) (*SessionMemory, error) {
	var resp SessionMemory
	err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/memory", nil, &resp)
	if err != nil {
		if isNotFound(err) {
			return &SessionMemory{}, nil
		}
		return nil, err
	}
	return &resp, nil
}

// PutSessionMemory persists the conversation for a session.
func (c *Client) PutSessionMemory(ctx context.Context, sessionID string, mem *SessionMemory) error {
	return c.do(ctx, http.MethodPut, "/sessions/"+sessionID+"/memory", mem, nil)
}

// --- spans ---

// ExportSpans ships a batch of finished spans to the platform.
func (c *Client) ExportSpans(ctx context.Context, spans []SpanRecord) error {
	body := struct {
		Spans []SpanRecord `json:"spans"`
	}{Spans: spans}
	return c.do(ctx, http.MethodPost, "/internal/spans/batch", body, nil)
}
