package polos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Step is the durable operations helper handed to every workflow handler.
// Each operation is idempotent per string key: the first evaluation runs and
// commits its outcome; any later evaluation of the same key (during replay
// after a suspension or a retry) returns the committed outcome without
// running again. Reusing a key within a single attempt is a programmer error
// and fails with ErrDuplicateStep.
//
// A Step is bound to one execution attempt and is not safe for concurrent
// use; the protocol requires handlers to run their steps sequentially.
type Step struct {
	ec     *ExecutionContext
	store  *stepStore
	rt     *Runtime
	logger *Logger
	state  any
}

// newStep binds the helper to one attempt and seeds its mutable state from
// the dispatched initial state, if any.
func newStep(ec *ExecutionContext, store *stepStore, rt *Runtime) *Step {
	s := &Step{
		ec:     ec,
		store:  store,
		rt:     rt,
		logger: rt.log().Child("execution_id", ec.ExecutionID, "workflow_id", ec.WorkflowID),
	}
	if len(ec.InitialState) > 0 {
		v, err := Deserialize(ec.InitialState)
		if err != nil {
			s.logger.Warn("discarding undecodable initial state", "error", err)
		} else {
			s.state = v
		}
	}
	return s
}

// Execution returns the identity of the attempt this helper is bound to.
func (s *Step) Execution() *ExecutionContext { return s.ec }

// Logger returns a logger scoped to this execution.
func (s *Step) Logger() *Logger { return s.logger }

// State returns the execution's mutable workflow state. It is seeded from
// the initial state carried by the dispatch and whatever value it holds when
// the handler returns is persisted in the terminal report.
func (s *Step) State() any { return s.state }

// SetState replaces the workflow state. State does not replay; handlers
// that derive it from step results get the same value on every pass.
func (s *Step) SetState(v any) { s.state = v }

func (s *Step) tracer() Tracer { return s.rt.trace() }

// --- run ---

// Step retry defaults.
const (
	defaultStepMaxRetries = 2
	defaultStepBaseDelay  = time.Second
	defaultStepMaxDelay   = 10 * time.Second
)

type runOptions struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	input      any
}

// RunOption tunes a single Run call.
type RunOption func(*runOptions)

// RunMaxRetries sets how many times a failing function is re-invoked after
// the initial attempt (default 2).
func RunMaxRetries(n int) RunOption {
	return func(o *runOptions) { o.maxRetries = n }
}

// RunBaseDelay sets the first retry delay (default 1s).
func RunBaseDelay(d time.Duration) RunOption {
	return func(o *runOptions) { o.baseDelay = d }
}

// RunMaxDelay caps the retry delay (default 10s).
func RunMaxDelay(d time.Duration) RunOption {
	return func(o *runOptions) { o.maxDelay = d }
}

// RunInput attaches the logical input to the step span for observability.
// It plays no part in memoization.
func RunInput(v any) RunOption {
	return func(o *runOptions) { o.input = v }
}

// Run executes fn at most once per key. A cached value is returned without
// invoking fn; a cached failure re-raises as ErrStepExecution. Fresh
// invocations retry with capped exponential backoff, then commit the outcome
// to the orchestrator before returning. The returned value has passed
// through serialization, so first run and replay yield identical shapes.
func (s *Step) Run(ctx context.Context, key string, fn func(ctx context.Context) (any, error), opts ...RunOption) (any, error) {
	o := runOptions{
		maxRetries: defaultStepMaxRetries,
		baseDelay:  defaultStepBaseDelay,
		maxDelay:   defaultStepMaxDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	raw, serr, hit, err := s.store.begin(key)
	if err != nil {
		return nil, err
	}
	if hit {
		if serr != nil {
			return nil, s.replayFailure(key, serr)
		}
		return Deserialize(raw)
	}

	ctx, span := s.tracer().Start(ctx, "step."+key,
		StringAttr("execution_id", s.ec.ExecutionID),
		StringAttr("step_key", key))
	defer span.End()
	if o.input != nil {
		if in, err := Serialize(o.input); err == nil {
			span.SetAttr(StringAttr("input", string(in)))
		}
	}

	var (
		value   any
		callErr error
	)
	attempts := o.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		value, callErr = fn(ctx)
		if callErr == nil {
			break
		}
		if IsWaitError(callErr) {
			span.Event("wait", StringAttr("reason", callErr.Error()))
			return nil, callErr
		}
		if ctx.Err() != nil {
			span.Error(ctx.Err())
			return nil, context.Cause(ctx)
		}
		if attempt < attempts-1 {
			delay := retryBackoff(o.baseDelay, o.maxDelay, attempt)
			s.logger.Warn("step failed, retrying",
				"step_key", key,
				"attempt", attempt+1,
				"max_attempts", attempts,
				"delay", delay,
				"error", callErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				span.Error(ctx.Err())
				return nil, context.Cause(ctx)
			case <-timer.C:
			}
		}
	}

	if callErr != nil {
		stepErr := &StepError{Message: callErr.Error(), Type: errorTypeName(callErr)}
		span.Error(callErr)
		if err := s.reportStep(ctx, key, nil, stepErr); err != nil {
			return nil, err
		}
		s.store.fail(key, stepErr)
		return nil, &ErrStepExecution{Key: key, Attempts: attempts, Cause: callErr}
	}

	out, err := Serialize(value)
	if err != nil {
		return nil, fmt.Errorf("step %q: serialize result: %w", key, err)
	}
	if err := s.reportStep(ctx, key, out, nil); err != nil {
		return nil, err
	}
	s.store.complete(key, out)
	return Deserialize(out)
}

// replayFailure converts a hydrated step failure back into the error the
// original attempt raised.
func (s *Step) replayFailure(key string, serr *StepError) error {
	if serr.Type == "EventTimeout" {
		return &ErrEventTimeout{StepKey: key, Topic: serr.Message}
	}
	return &ErrStepExecution{Key: key, Cause: errors.New(serr.Message)}
}

// errorTypeName classifies an error for the persisted step record.
func errorTypeName(err error) string {
	switch {
	case errors.As(err, new(*ErrValidation)):
		return "ValidationError"
	case errors.As(err, new(*ErrGuardrail)):
		return "GuardrailFailure"
	case errors.As(err, new(*ErrHook)):
		return "HookFailure"
	case errors.As(err, new(*ErrEventTimeout)):
		return "EventTimeout"
	case errors.As(err, new(*ErrStepExecution)):
		return "StepExecutionError"
	default:
		return "Error"
	}
}

// reportStep commits a step outcome upstream. Without a client (local unit
// runs) the commit is local only.
func (s *Step) reportStep(ctx context.Context, key string, result json.RawMessage, serr *StepError) error {
	if s.rt.Client == nil {
		return nil
	}
	rep := StepReport{Key: key, Error: serr, CompletedAt: time.Now().UTC()}
	if serr == nil {
		rep.Result = result
	}
	if err := s.rt.Client.ReportStep(ctx, s.ec.ExecutionID, rep); err != nil {
		return fmt.Errorf("step %q: report: %w", key, err)
	}
	return nil
}

// --- sub-executions ---

type invokeOptions struct {
	queue     string
	sessionID string
	userID    string
}

// InvokeOption tunes sub-execution creation.
type InvokeOption func(*invokeOptions)

// InvokeQueue dispatches the sub-execution on a named queue.
func InvokeQueue(name string) InvokeOption {
	return func(o *invokeOptions) { o.queue = name }
}

// InvokeSession binds the sub-execution to a session.
func InvokeSession(id string) InvokeOption {
	return func(o *invokeOptions) { o.sessionID = id }
}

// InvokeUser attributes the sub-execution to a user. Defaults to the
// invoking execution's user.
func InvokeUser(id string) InvokeOption {
	return func(o *invokeOptions) { o.userID = id }
}

// invoke creates the sub-execution upstream. Root ids flow through so the
// whole tree shares one canonical topic; parentStepKey (when set) tells the
// orchestrator which step to hydrate with the child's outcome.
func (s *Step) invoke(ctx context.Context, workflowID string, payload any, parentStepKey string, o invokeOptions) (string, error) {
	if s.rt.Client == nil {
		return "", fmt.Errorf("invoke %q: no orchestrator client", workflowID)
	}
	raw, err := Serialize(payload)
	if err != nil {
		return "", fmt.Errorf("invoke %q: serialize payload: %w", workflowID, err)
	}
	userID := o.userID
	if userID == "" {
		userID = s.ec.UserID
	}
	return s.rt.Client.InvokeExecution(ctx, InvokeRequest{
		WorkflowID:        workflowID,
		Payload:           json.RawMessage(raw),
		ParentExecutionID: s.ec.ExecutionID,
		RootExecutionID:   s.ec.RootExecutionID,
		RootWorkflowID:    s.ec.RootWorkflowID,
		ParentStepKey:     parentStepKey,
		Queue:             o.queue,
		SessionID:         o.sessionID,
		UserID:            userID,
	})
}

// Invoke starts a sub-execution without waiting for it. The returned handle
// can poll status, wait, or cancel. The spawned execution id is memoized
// under key, so a replayed attempt reuses the same child.
func (s *Step) Invoke(ctx context.Context, key, workflowID string, payload any, opts ...InvokeOption) (*InvokeHandle, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	raw, serr, hit, err := s.store.begin(key)
	if err != nil {
		return nil, err
	}
	if hit {
		if serr != nil {
			return nil, s.replayFailure(key, serr)
		}
		var cached struct {
			ExecutionID string `json:"executionId"`
		}
		if err := json.Unmarshal(raw, &cached); err != nil {
			return nil, fmt.Errorf("step %q: decode cached invoke: %w", key, err)
		}
		return newInvokeHandle(s, workflowID, cached.ExecutionID), nil
	}

	execID, err := s.invoke(ctx, workflowID, payload, "", o)
	if err != nil {
		return nil, err
	}
	out, err := Serialize(map[string]string{"executionId": execID})
	if err != nil {
		return nil, fmt.Errorf("step %q: serialize invoke record: %w", key, err)
	}
	if err := s.reportStep(ctx, key, out, nil); err != nil {
		return nil, err
	}
	s.store.complete(key, out)
	s.logger.Debug("sub-execution invoked", "step_key", key, "workflow_id", workflowID, "child_execution_id", execID)
	return newInvokeHandle(s, workflowID, execID), nil
}

// InvokeAndWait starts a sub-execution and suspends until it settles. On
// replay the hydrated cache answers: the child's result is returned, or its
// failure re-raised as ErrStepExecution. The orchestrator deduplicates
// in-flight invokes by (parent execution, step key), so re-running this call
// while the child is still working does not spawn a second child.
func (s *Step) InvokeAndWait(ctx context.Context, key, workflowID string, payload any, opts ...InvokeOption) (any, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	raw, serr, hit, err := s.store.begin(key)
	if err != nil {
		return nil, err
	}
	if hit {
		if serr != nil {
			return nil, s.replayFailure(key, serr)
		}
		return Deserialize(raw)
	}

	execID, err := s.invoke(ctx, workflowID, payload, key, o)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("suspending on sub-execution", "step_key", key, "workflow_id", workflowID, "child_execution_id", execID)
	return nil, &ErrWait{Reason: WaitReason{
		Kind:         WaitInvoke,
		StepKey:      key,
		ExecutionIDs: []string{execID},
	}}
}

// BatchItem is one entry of a batch invoke.
type BatchItem struct {
	WorkflowID string
	Payload    any
}

// BatchResult is one settled entry of BatchInvokeAndWait: either a value or
// the error the child failed with.
type BatchResult struct {
	Value any
	Err   error
}

// BatchInvoke starts several sub-executions without waiting. The child
// execution ids are memoized under the single batch key.
func (s *Step) BatchInvoke(ctx context.Context, key string, items []BatchItem, opts ...InvokeOption) ([]*InvokeHandle, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	ids, err := s.batchIDs(ctx, key, items, false, o)
	if err != nil {
		return nil, err
	}
	handles := make([]*InvokeHandle, len(ids))
	for i, id := range ids {
		handles[i] = newInvokeHandle(s, items[i].WorkflowID, id)
	}
	return handles, nil
}

// BatchInvokeAndWait starts several sub-executions and suspends until every
// one settles. Child outcomes hydrate under "{key}:{i}"; per-child failures
// surface as BatchResult.Err rather than failing the batch.
func (s *Step) BatchInvokeAndWait(ctx context.Context, key string, items []BatchItem, opts ...InvokeOption) ([]BatchResult, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	ids, err := s.batchIDs(ctx, key, items, true, o)
	if err != nil {
		return nil, err
	}

	results := make([]BatchResult, len(items))
	var pending []string
	for i := range items {
		childKey := batchChildKey(key, i)
		raw, serr, ok := s.store.peek(childKey)
		switch {
		case !ok:
			pending = append(pending, ids[i])
		case serr != nil:
			results[i] = BatchResult{Err: s.replayFailure(childKey, serr)}
		default:
			v, err := Deserialize(raw)
			if err != nil {
				return nil, fmt.Errorf("step %q: decode child result: %w", childKey, err)
			}
			results[i] = BatchResult{Value: v}
		}
	}
	if len(pending) > 0 {
		s.logger.Debug("suspending on batch", "step_key", key, "pending", len(pending), "total", len(items))
		return nil, &ErrWait{Reason: WaitReason{
			Kind:         WaitInvoke,
			StepKey:      key,
			ExecutionIDs: pending,
		}}
	}
	return results, nil
}

// batchIDs memoizes the child execution ids for a batch under its key,
// invoking the children on first evaluation.
func (s *Step) batchIDs(ctx context.Context, key string, items []BatchItem, withWait bool, o invokeOptions) ([]string, error) {
	raw, serr, hit, err := s.store.begin(key)
	if err != nil {
		return nil, err
	}
	if hit {
		if serr != nil {
			return nil, s.replayFailure(key, serr)
		}
		var cached struct {
			ExecutionIDs []string `json:"executionIds"`
		}
		if err := json.Unmarshal(raw, &cached); err != nil {
			return nil, fmt.Errorf("step %q: decode cached batch: %w", key, err)
		}
		if len(cached.ExecutionIDs) != len(items) {
			return nil, fmt.Errorf("step %q: batch size changed between attempts: cached %d, got %d",
				key, len(cached.ExecutionIDs), len(items))
		}
		return cached.ExecutionIDs, nil
	}

	ids := make([]string, len(items))
	for i, item := range items {
		parentStepKey := ""
		if withWait {
			parentStepKey = batchChildKey(key, i)
		}
		id, err := s.invoke(ctx, item.WorkflowID, item.Payload, parentStepKey, o)
		if err != nil {
			return nil, fmt.Errorf("step %q: invoke item %d: %w", key, i, err)
		}
		ids[i] = id
	}
	out, err := Serialize(map[string]any{"executionIds": ids})
	if err != nil {
		return nil, fmt.Errorf("step %q: serialize batch record: %w", key, err)
	}
	if err := s.reportStep(ctx, key, out, nil); err != nil {
		return nil, err
	}
	s.store.complete(key, out)
	return ids, nil
}

func batchChildKey(key string, i int) string {
	return fmt.Sprintf("%s:%d", key, i)
}

// --- timers ---

// Duration is a human-shaped wait amount. Fields add together; the minimum
// effective wait is one second.
type Duration struct {
	Seconds int
	Minutes int
	Hours   int
	Days    int
	Weeks   int
}

func (d Duration) toDuration() time.Duration {
	total := time.Duration(d.Seconds)*time.Second +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Days)*24*time.Hour +
		time.Duration(d.Weeks)*7*24*time.Hour
	if total < time.Second {
		total = time.Second
	}
	return total
}

// WaitFor parks the execution for the given duration. The goroutine is
// released; the orchestrator re-dispatches once the timer fires.
func (s *Step) WaitFor(ctx context.Context, key string, d Duration) error {
	return s.WaitUntil(ctx, key, time.Now().Add(d.toDuration()))
}

// WaitUntil parks the execution until the given instant.
func (s *Step) WaitUntil(ctx context.Context, key string, at time.Time) error {
	_, serr, hit, err := s.store.begin(key)
	if err != nil {
		return err
	}
	if hit {
		if serr != nil {
			return s.replayFailure(key, serr)
		}
		return nil
	}
	if s.rt.Client == nil {
		return fmt.Errorf("step %q: no orchestrator client for timers", key)
	}
	if err := s.rt.Client.RegisterTimer(ctx, s.ec.ExecutionID, key, at); err != nil {
		return fmt.Errorf("step %q: register timer: %w", key, err)
	}
	s.logger.Debug("suspending on timer", "step_key", key, "resume_at", at.UTC())
	return &ErrWait{Reason: WaitReason{Kind: WaitTimer, StepKey: key, ResumeAt: at}}
}

// --- events ---

// EventWait configures WaitForEvent. A zero Timeout waits indefinitely.
type EventWait struct {
	Topic   string
	Type    EventType
	Timeout time.Duration
}

// WaitForEvent parks the execution until an event arrives on the topic (or
// the timeout elapses, surfacing ErrEventTimeout on the resuming attempt).
// The event's data is returned.
func (s *Step) WaitForEvent(ctx context.Context, key string, w EventWait) (any, error) {
	raw, serr, hit, err := s.store.begin(key)
	if err != nil {
		return nil, err
	}
	if hit {
		if serr != nil {
			if serr.Type == "EventTimeout" {
				return nil, &ErrEventTimeout{StepKey: key, Topic: w.Topic}
			}
			return nil, s.replayFailure(key, serr)
		}
		return Deserialize(raw)
	}
	if s.rt.Client == nil {
		return nil, fmt.Errorf("step %q: no orchestrator client for subscriptions", key)
	}
	sub := SubscriptionRequest{
		StepKey:        key,
		Topic:          w.Topic,
		EventType:      string(w.Type),
		TimeoutSeconds: int(w.Timeout / time.Second),
	}
	if err := s.rt.Client.RegisterSubscription(ctx, s.ec.ExecutionID, sub); err != nil {
		return nil, fmt.Errorf("step %q: register subscription: %w", key, err)
	}
	s.logger.Debug("suspending on event", "step_key", key, "topic", w.Topic, "event_type", w.Type)
	return nil, &ErrWait{Reason: WaitReason{
		Kind:      WaitEvent,
		StepKey:   key,
		Topic:     w.Topic,
		EventType: string(w.Type),
	}}
}

// EventPublication is one outbound event.
type EventPublication struct {
	Topic string
	Type  EventType
	Data  any
}

// PublishEvent delivers an event through the orchestrator, durably: a
// replayed attempt does not publish twice.
func (s *Step) PublishEvent(ctx context.Context, key string, pub EventPublication) error {
	_, err := s.Run(ctx, key, func(ctx context.Context) (any, error) {
		if err := s.publish(ctx, pub.Topic, []Event{{Type: pub.Type, Data: pub.Data}}); err != nil {
			return nil, err
		}
		return map[string]any{"topic": pub.Topic, "eventType": pub.Type}, nil
	})
	return err
}

// PublishWorkflowEvent publishes on the run's canonical topic.
func (s *Step) PublishWorkflowEvent(ctx context.Context, key string, eventType EventType, data any) error {
	return s.PublishEvent(ctx, key, EventPublication{Topic: s.ec.Topic(), Type: eventType, Data: data})
}

// publish is the raw, non-durable event send. Step operations and the agent
// loop wrap it with memoization where replay safety matters.
func (s *Step) publish(ctx context.Context, topic string, events []Event) error {
	if s.rt.Client == nil {
		return nil
	}
	for i, ev := range events {
		raw, err := Serialize(ev.Data)
		if err != nil {
			return fmt.Errorf("serialize event %q: %w", ev.Type, err)
		}
		events[i].Data = json.RawMessage(raw)
	}
	return s.rt.Client.PublishEvents(ctx, PublishRequest{
		Topic:           topic,
		Events:          events,
		ExecutionID:     s.ec.ExecutionID,
		RootExecutionID: s.ec.RootExecutionID,
	})
}

// --- suspend / resume ---

// SuspendOptions carries the payload shown to whoever resumes the execution.
// Data conventionally holds a "_form" schema; a zero Timeout waits forever.
type SuspendOptions struct {
	Data    any
	Timeout time.Duration
}

// Suspend announces a suspension on the canonical topic ("suspend_{key}")
// and parks the execution until a matching "resume_{key}" event arrives.
// Returns the resume payload.
func (s *Step) Suspend(ctx context.Context, key string, opts SuspendOptions) (any, error) {
	raw, serr, hit, err := s.store.begin(key)
	if err != nil {
		return nil, err
	}
	topic := s.ec.Topic()
	if hit {
		if serr != nil {
			if serr.Type == "EventTimeout" {
				return nil, &ErrEventTimeout{StepKey: key, Topic: topic}
			}
			return nil, s.replayFailure(key, serr)
		}
		return Deserialize(raw)
	}
	if s.rt.Client == nil {
		return nil, fmt.Errorf("step %q: no orchestrator client for suspend", key)
	}
	if err := s.publish(ctx, topic, []Event{{Type: SuspendEventType(key), Data: opts.Data}}); err != nil {
		return nil, fmt.Errorf("step %q: publish suspend: %w", key, err)
	}
	sub := SubscriptionRequest{
		StepKey:        key,
		Topic:          topic,
		EventType:      string(ResumeEventType(key)),
		TimeoutSeconds: int(opts.Timeout / time.Second),
	}
	if err := s.rt.Client.RegisterSubscription(ctx, s.ec.ExecutionID, sub); err != nil {
		return nil, fmt.Errorf("step %q: register resume subscription: %w", key, err)
	}
	s.logger.Info("execution suspended", "step_key", key, "topic", topic)
	return nil, &ErrWait{Reason: WaitReason{
		Kind:      WaitSuspend,
		StepKey:   key,
		Topic:     topic,
		EventType: string(ResumeEventType(key)),
	}}
}

// ResumeTarget identifies a suspension in another execution.
type ResumeTarget struct {
	SuspendWorkflowID  string
	SuspendExecutionID string
	SuspendStepKey     string
	Data               any
}

// Resume publishes the resume event that unblocks a suspension elsewhere.
// Durable: replays do not resume twice.
func (s *Step) Resume(ctx context.Context, key string, target ResumeTarget) error {
	topic := CanonicalTopic(target.SuspendWorkflowID, target.SuspendExecutionID)
	return s.PublishEvent(ctx, key, EventPublication{
		Topic: topic,
		Type:  ResumeEventType(target.SuspendStepKey),
		Data:  target.Data,
	})
}

// --- deterministic generators ---

// UUID returns a stable random UUID for the key: generated once, then
// replayed from the cache on every later evaluation.
func (s *Step) UUID(ctx context.Context, key string) (string, error) {
	v, err := s.Run(ctx, key, func(context.Context) (any, error) {
		return uuid.NewString(), nil
	})
	if err != nil {
		return "", err
	}
	out, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("step %q: cached value is not a uuid", key)
	}
	return out, nil
}

// Now returns a stable timestamp for the key.
func (s *Step) Now(ctx context.Context, key string) (time.Time, error) {
	v, err := s.Run(ctx, key, func(context.Context) (any, error) {
		return time.Now().UTC(), nil
	})
	if err != nil {
		return time.Time{}, err
	}
	out, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("step %q: cached value is not a timestamp", key)
	}
	return out, nil
}

// Random returns a stable random float64 in [0,1) for the key.
func (s *Step) Random(ctx context.Context, key string) (float64, error) {
	v, err := s.Run(ctx, key, func(context.Context) (any, error) {
		return rand.Float64(), nil
	})
	if err != nil {
		return 0, err
	}
	out, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("step %q: cached value is not a number", key)
	}
	return out, nil
}

// --- tracing ---

// Trace wraps fn in a custom span. Nothing is persisted; replays re-run fn.
func (s *Step) Trace(ctx context.Context, name string, fn func(ctx context.Context) (any, error), attrs ...SpanAttr) (any, error) {
	ctx, span := s.tracer().Start(ctx, name, attrs...)
	defer span.End()
	v, err := fn(ctx)
	if err != nil && !IsWaitError(err) {
		span.Error(err)
	}
	return v, err
}
