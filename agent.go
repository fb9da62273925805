package polos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Safety bound on agent loop iterations when no MaxSteps stop condition is
// configured. Overridable via POLOS_AGENT_MAX_STEPS.
const (
	envAgentMaxSteps     = "POLOS_AGENT_MAX_STEPS"
	defaultAgentMaxSteps = 20
)

// agentSafetyBound resolves the iteration ceiling. A configured MaxSteps
// stop condition disables the implicit bound entirely.
func agentSafetyBound(conds []StopCondition) int {
	if hasMaxSteps(conds) {
		return 0
	}
	if v := os.Getenv(envAgentMaxSteps); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultAgentMaxSteps
}

// runAgentLoop is the handler behind every agent definition: load session
// memory, then alternate LLM calls and tool dispatches until the model stops
// calling tools or a stop condition fires, then persist memory and return
// the run report. Every effect goes through the step helper so the loop
// replays deterministically across suspensions.
func runAgentLoop(ctx context.Context, step *Step, d *WorkflowDefinition, payload any) (any, error) {
	pl, err := DecodePayload[AgentPayload](payload)
	if err != nil {
		return nil, fmt.Errorf("agent %q: decode payload: %w", d.ID, err)
	}
	r, err := newAgentRun(step, d, pl)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, pl)
}

// agentRun is the per-execution loop state. It lives for one attempt; on
// replay a fresh agentRun rebuilds identical state from recorded steps.
type agentRun struct {
	step   *Step
	def    *WorkflowDefinition
	cfg    *AgentConfig
	logger *Logger
	llm    LLM

	model        string
	systemPrompt string
	temperature  *float64
	maxTokens    int
	// streaming is the effective mode; wantStream is what the caller asked
	// for. They diverge when guardrails force buffering.
	streaming  bool
	wantStream bool

	settings compactionSettings
	compact  *Compactor

	toolSpecs   []ToolSpec
	messages    []ConversationMessage
	summary     *string
	usage       Usage
	steps       []StepInfo
	toolResults []ToolResultInfo
}

func newAgentRun(step *Step, d *WorkflowDefinition, pl AgentPayload) (*agentRun, error) {
	cfg := d.Agent
	if cfg == nil {
		return nil, fmt.Errorf("workflow %q is not an agent", d.ID)
	}
	rt := step.rt
	llm, err := rt.llm(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", d.ID, err)
	}

	model := cfg.Model
	systemPrompt := cfg.SystemPrompt
	temperature := cfg.Temperature
	maxTokens := cfg.MaxOutputTokens
	if o := pl.AgentConfig; o != nil {
		if o.Model != "" {
			model = o.Model
		}
		if o.SystemPrompt != "" {
			systemPrompt = o.SystemPrompt
		}
		if o.Temperature != nil {
			temperature = o.Temperature
		}
		if o.MaxOutputTokens > 0 {
			maxTokens = o.MaxOutputTokens
		}
	}
	if model == "" {
		return nil, fmt.Errorf("agent %q: no model configured", d.ID)
	}

	logger := step.Logger().Child("agent", d.ID)
	r := &agentRun{
		step:         step,
		def:          d,
		cfg:          cfg,
		logger:       logger,
		llm:          llm,
		model:        model,
		systemPrompt: systemPrompt,
		temperature:  temperature,
		maxTokens:    maxTokens,
		streaming:    pl.Streaming && len(cfg.Guardrails) == 0,
		wantStream:   pl.Streaming,
		settings:     cfg.Compaction.resolve(model),
		toolSpecs:    resolveToolSpecs(rt.registry(), cfg.Tools, logger),
		toolResults:  make([]ToolResultInfo, 0, 4),
	}
	r.compact = NewCompactor(llm, rt.estimator(), logger)
	return r, nil
}

// resolveToolSpecs maps configured tool ids to LLM-facing specs, dropping
// ids the registry cannot resolve.
func resolveToolSpecs(reg *Registry, ids []string, logger *Logger) []ToolSpec {
	specs := make([]ToolSpec, 0, len(ids))
	for _, id := range ids {
		def, ok := reg.Get(id)
		if !ok {
			logger.Warn("agent config references unknown tool", "tool", id)
			continue
		}
		if !def.IsTool() {
			logger.Warn("agent config references non-tool workflow", "tool", id)
			continue
		}
		specs = append(specs, ToolSpec{Name: def.ID, Description: def.Description, Parameters: def.Parameters})
	}
	return specs
}

func (r *agentRun) hookContext() HookContext {
	return HookContext{
		WorkflowID: r.def.ID,
		SessionID:  r.step.ec.SessionID,
		UserID:     r.step.ec.UserID,
	}
}

// --- main cycle ---

func (r *agentRun) run(ctx context.Context, pl AgentPayload) (any, error) {
	runID, err := r.step.UUID(ctx, "agent_run_id")
	if err != nil {
		return nil, err
	}
	if err := r.loadSession(ctx); err != nil {
		return nil, err
	}
	in, err := inputMessages(pl.Input)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", r.def.ID, err)
	}
	r.messages = append(r.messages, in...)

	bound := agentSafetyBound(r.cfg.StopConditions)
	r.logger.Info("agent run started",
		"model", r.model,
		"tools", len(r.toolSpecs),
		"streaming", r.streaming,
		"safety_bound", bound,
	)

	var (
		finalResult any
		lastContent string
		terminated  bool
		fixups      int
	)
	n := 1
	for !terminated {
		if bound > 0 && n > bound {
			r.logger.Warn("agent hit safety step bound", "bound", bound)
			break
		}

		if len(r.cfg.OnAgentStepStart) > 0 {
			hc := r.hookContext()
			hc.Payload = r.messages
			p, _, err := runHookChain(ctx, r.step, fmt.Sprintf("%d.", n), PhaseAgentStepStart, r.cfg.OnAgentStepStart, hc)
			if err != nil {
				return nil, err
			}
			if p != nil {
				msgs, derr := DecodePayload[[]ConversationMessage](p)
				if derr != nil {
					return nil, fmt.Errorf("agent %q: step-start hooks rewrote messages into an undecodable shape: %w", r.def.ID, derr)
				}
				r.messages = msgs
			}
		}

		if err := r.compactIfNeeded(ctx, n); err != nil {
			return nil, err
		}

		resp, err := r.generate(ctx, n)
		if err != nil {
			return nil, err
		}
		r.usage.Add(resp.Usage)

		toolCalls := NormalizeToolCalls(resp.ToolCalls)
		resp.ToolCalls = toolCalls
		r.messages = append(r.messages, AssistantTurn(resp))

		var results []ToolResultInfo
		if len(toolCalls) > 0 {
			results, err = r.dispatchTools(ctx, n, toolCalls)
			if err != nil {
				return nil, err
			}
		}

		si := StepInfo{
			Step:        n,
			Content:     resp.Content,
			ToolCalls:   toolCalls,
			ToolResults: results,
			Usage:       resp.Usage,
		}
		if len(r.cfg.OnAgentStepEnd) > 0 {
			hc := r.hookContext()
			hc.Payload = si
			p, _, err := runHookChain(ctx, r.step, fmt.Sprintf("%d.", n), PhaseAgentStepEnd, r.cfg.OnAgentStepEnd, hc)
			if err != nil {
				return nil, err
			}
			if p != nil {
				rec, derr := DecodePayload[StepInfo](p)
				if derr != nil {
					return nil, fmt.Errorf("agent %q: step-end hooks rewrote the step record into an undecodable shape: %w", r.def.ID, derr)
				}
				si = rec
			}
		}
		r.steps = append(r.steps, si)
		r.toolResults = append(r.toolResults, si.ToolResults...)
		if err := r.step.PublishWorkflowEvent(ctx, fmt.Sprintf("%d.event.step_finish", n), EventStepFinish, si); err != nil {
			return nil, err
		}
		lastContent = si.Content

		if len(toolCalls) == 0 {
			terminated = true
		} else {
			terminated, err = r.evalStopConditions(ctx, n)
			if err != nil {
				return nil, err
			}
		}

		if terminated {
			if r.def.OutputSchema != nil {
				v, perr := parseStructuredOutput(si.Content, r.def.OutputSchema)
				switch {
				case perr == nil:
					finalResult = v
				case fixups == 0:
					fixups++
					terminated = false
					r.messages = append(r.messages, UserMessage(structuredFixupMessage(perr, r.def.OutputSchema)))
					r.logger.Warn("structured output failed to parse, asking the model to correct it", "error", perr)
				default:
					return nil, fmt.Errorf("agent %q: structured output still invalid after a correction round: %w", r.def.ID, perr)
				}
			} else {
				finalResult = si.Content
			}
		}
		if !terminated {
			n++
		}
	}
	if !terminated {
		finalResult = lastContent
	}

	var schemaRaw json.RawMessage
	if r.def.OutputSchema != nil {
		schemaRaw = r.def.OutputSchema.Raw()
	}
	result := AgentRunResult{
		AgentRunID:   runID,
		Result:       finalResult,
		ResultSchema: schemaRaw,
		ToolResults:  r.toolResults,
		TotalSteps:   n,
		Usage:        r.usage,
	}
	if err := r.storeSession(ctx); err != nil {
		return nil, err
	}
	if err := r.step.PublishWorkflowEvent(ctx, "event.agent_finish", EventAgentFinish, result); err != nil {
		return nil, err
	}
	r.logger.Info("agent run finished", "total_steps", n, "tool_results", len(r.toolResults), "total_tokens", r.usage.TotalTokens)
	return result, nil
}

// inputMessages normalises the payload input: a string becomes a user turn,
// anything else must decode as a message list.
func inputMessages(input any) ([]ConversationMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, errors.New("payload has no input")
	case string:
		return []ConversationMessage{UserMessage(v)}, nil
	default:
		msgs, err := DecodePayload[[]ConversationMessage](v)
		if err != nil {
			return nil, fmt.Errorf("decode input messages: %w", err)
		}
		return msgs, nil
	}
}

// --- session memory ---

func (r *agentRun) loadSession(ctx context.Context) error {
	sid := r.step.ec.SessionID
	if sid == "" {
		return nil
	}
	raw, err := r.step.Run(ctx, "load_session_memory", func(ctx context.Context) (any, error) {
		if r.step.rt.Client == nil {
			return &SessionMemory{}, nil
		}
		return r.step.rt.Client.GetSessionMemory(ctx, sid)
	})
	if err != nil {
		return err
	}
	mem, derr := DecodePayload[SessionMemory](raw)
	if derr != nil {
		return fmt.Errorf("decode session memory: %w", derr)
	}
	if mem.Summary != nil && *mem.Summary != "" {
		r.messages = append(r.messages, summaryPair(*mem.Summary)...)
		r.summary = mem.Summary
	}
	r.messages = append(r.messages, mem.Messages...)
	r.logger.Debug("session memory loaded", "session_id", sid, "messages", len(mem.Messages), "has_summary", r.summary != nil)
	return nil
}

func (r *agentRun) storeSession(ctx context.Context) error {
	sid := r.step.ec.SessionID
	if sid == "" {
		return nil
	}
	msgs, sum := stripSummaryPair(r.messages)
	if sum == nil {
		sum = r.summary
	}
	mem := &SessionMemory{Summary: sum, Messages: msgs}
	_, err := r.step.Run(ctx, "store_session_memory", func(ctx context.Context) (any, error) {
		if r.step.rt.Client == nil {
			return map[string]any{"stored": false}, nil
		}
		if err := r.step.rt.Client.PutSessionMemory(ctx, sid, mem); err != nil {
			return nil, err
		}
		return map[string]any{"stored": true, "messages": len(mem.Messages)}, nil
	})
	return err
}

// --- compaction ---

func (r *agentRun) compactIfNeeded(ctx context.Context, n int) error {
	if !r.settings.enabled {
		return nil
	}
	if EstimateMessageTokens(r.step.rt.estimator(), r.messages) <= r.settings.maxConversationTokens {
		return nil
	}
	msgs, sum := r.messages, r.summary
	raw, err := r.step.Run(ctx, fmt.Sprintf("%d.compact_memory", n), func(ctx context.Context) (any, error) {
		return r.compact.CompactIfNeeded(ctx, msgs, sum, r.settings)
	})
	if err != nil {
		return err
	}
	res, derr := DecodePayload[CompactionResult](raw)
	if derr != nil {
		return fmt.Errorf("decode compaction result: %w", derr)
	}
	if res.Compacted {
		r.messages = res.Messages
		r.summary = res.Summary
	}
	return nil
}

// --- LLM call with guardrails ---

func llmStepKey(n, round int) string {
	if round == 0 {
		return fmt.Sprintf("%d.llm_call", n)
	}
	return fmt.Sprintf("%d.llm_call.retry_%d", n, round)
}

func guardrailStepKey(n int, name string, i, round int) string {
	key := fmt.Sprintf("%d.guardrail.%s.%d", n, name, i)
	if round > 0 {
		key += fmt.Sprintf(".retry_%d", round)
	}
	return key
}

// generate performs the durable LLM call for iteration n, re-calling on
// guardrail retry verdicts until the response passes or retries run out.
func (r *agentRun) generate(ctx context.Context, n int) (GenerateResponse, error) {
	req := GenerateRequest{
		Model:           r.model,
		SystemPrompt:    r.systemPrompt,
		Tools:           r.toolSpecs,
		Temperature:     r.temperature,
		MaxOutputTokens: r.maxTokens,
	}
	// Tool use and response-format conflict on several providers; the
	// schema is enforced after the fact when tools are configured.
	if r.def.OutputSchema != nil && len(r.toolSpecs) == 0 {
		req.ResponseSchema = r.def.OutputSchema.Raw()
	}

	for round := 0; ; round++ {
		req.Messages = r.messages
		resp, err := r.callLLM(ctx, llmStepKey(n, round), req)
		if err != nil {
			return GenerateResponse{}, err
		}
		retry, retryBy, feedback, err := r.applyGuardrails(ctx, n, round, &resp)
		if err != nil {
			return GenerateResponse{}, err
		}
		if !retry {
			if r.wantStream && !r.streaming && resp.Content != "" {
				err := r.step.PublishWorkflowEvent(ctx, fmt.Sprintf("%d.event.text_delta", n), EventTextDelta,
					map[string]any{"delta": resp.Content, "step": n, "synthetic": true})
				if err != nil {
					return GenerateResponse{}, err
				}
			}
			return resp, nil
		}
		if round >= r.cfg.GuardrailMaxRetries {
			return GenerateResponse{}, &ErrGuardrail{
				Guardrail: retryBy,
				Message:   fmt.Sprintf("response still rejected after %d retries: %s", r.cfg.GuardrailMaxRetries, feedback),
			}
		}
		// Keep the rejected turn so the model sees what the feedback refers
		// to.
		r.messages = append(r.messages, AssistantTurn(resp), UserMessage(feedback))
	}
}

// callLLM runs one provider round-trip as a durable step. Streaming deltas
// are published as the provider emits them; on replay the recorded response
// returns without re-contacting the provider or re-publishing deltas.
func (r *agentRun) callLLM(ctx context.Context, key string, req GenerateRequest) (GenerateResponse, error) {
	raw, err := r.step.Run(ctx, key, func(ctx context.Context) (any, error) {
		if r.streaming {
			return r.streamLLM(ctx, req)
		}
		return r.llm.Generate(ctx, req)
	})
	if err != nil {
		return GenerateResponse{}, err
	}
	resp, derr := DecodePayload[GenerateResponse](raw)
	if derr != nil {
		return GenerateResponse{}, fmt.Errorf("decode llm response: %w", derr)
	}
	return resp, nil
}

func (r *agentRun) streamLLM(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	ch := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for delta := range ch {
			r.publishDelta(ctx, delta)
		}
	}()
	resp, err := r.llm.GenerateStream(ctx, req, ch)
	close(ch)
	<-done
	return resp, err
}

// publishDelta is best effort: a missed delta costs UI smoothness, not
// correctness, since the full content lands in the step record.
func (r *agentRun) publishDelta(ctx context.Context, delta string) {
	err := r.step.publish(ctx, r.step.ec.Topic(), []Event{{Type: EventTextDelta, Data: map[string]any{"delta": delta}}})
	if err != nil {
		r.logger.Debug("text delta publish failed", "error", err)
	}
}

// applyGuardrails evaluates each guardrail durably against the response.
// Continue verdicts may rewrite content and tool calls in place; the first
// retry verdict stops the sweep and reports its feedback.
func (r *agentRun) applyGuardrails(ctx context.Context, n, round int, resp *GenerateResponse) (retry bool, retryBy, feedback string, err error) {
	for i, g := range r.cfg.Guardrails {
		fn := g.Fn
		gc := &GuardrailContext{Content: resp.Content, ToolCalls: resp.ToolCalls, Messages: r.messages}
		raw, runErr := r.step.Run(ctx, guardrailStepKey(n, g.Name, i, round), func(ctx context.Context) (any, error) {
			res, err := fn(ctx, gc)
			if err != nil {
				return nil, err
			}
			if res == nil {
				res = &GuardrailResult{Action: GuardrailContinue}
			}
			return res, nil
		})
		if runErr != nil {
			return false, "", "", runErr
		}
		verdict, derr := DecodePayload[GuardrailResult](raw)
		if derr != nil {
			return false, "", "", fmt.Errorf("guardrail %q returned an undecodable verdict: %w", g.Name, derr)
		}
		switch verdict.Action {
		case GuardrailFail:
			return false, "", "", &ErrGuardrail{Guardrail: g.Name, Message: verdict.Message}
		case GuardrailRetry:
			fb := verdict.Message
			if fb == "" {
				fb = fmt.Sprintf("A guardrail (%s) rejected the response. Adjust it and answer again.", g.Name)
			}
			r.logger.Info("guardrail requested retry", "guardrail", g.Name, "round", round)
			return true, g.Name, fb, nil
		default:
			if verdict.ModifiedContent != nil {
				resp.Content = *verdict.ModifiedContent
			}
			if verdict.ModifiedToolCalls != nil {
				resp.ToolCalls = verdict.ModifiedToolCalls
			}
		}
	}
	return false, "", "", nil
}

// --- tool dispatch ---

type pendingToolCall struct {
	call ToolCall
	args any
}

// dispatchTools fans the iteration's tool calls out as child executions and
// folds their outcomes back into the conversation. Failures become text for
// the model to react to; they never abort the loop.
func (r *agentRun) dispatchTools(ctx context.Context, n int, calls []ToolCall) ([]ToolResultInfo, error) {
	reg := r.step.rt.registry()
	valid := make([]pendingToolCall, 0, len(calls))
	for _, tc := range calls {
		if _, ok := reg.Get(tc.Function.Name); !ok {
			r.logger.Warn("agent requested unknown tool", "tool", tc.Function.Name)
			continue
		}
		var args any = map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				r.logger.Warn("tool arguments are not valid JSON, substituting empty object",
					"tool", tc.Function.Name, "error", err)
				args = map[string]any{}
			}
		}
		valid = append(valid, pendingToolCall{call: tc, args: args})
	}
	if len(valid) == 0 {
		return nil, nil
	}

	for i := range valid {
		if err := r.step.PublishWorkflowEvent(ctx, fmt.Sprintf("%d.event.tool_call.%d", n, i), EventToolCall, map[string]any{
			"id":        valid[i].call.CallID,
			"name":      valid[i].call.Function.Name,
			"arguments": valid[i].args,
			"step":      n,
		}); err != nil {
			return nil, err
		}
		if len(r.cfg.OnToolStart) == 0 {
			continue
		}
		hc := r.hookContext()
		hc.Payload = valid[i].args
		p, _, err := runHookChain(ctx, r.step, fmt.Sprintf("%d.%d.", n, i), PhaseToolStart, r.cfg.OnToolStart, hc)
		if err != nil {
			return nil, err
		}
		if p != nil {
			valid[i].args = p
		}
	}

	items := make([]BatchItem, len(valid))
	for i, p := range valid {
		items[i] = BatchItem{WorkflowID: p.call.Function.Name, Payload: p.args}
	}
	results, err := r.step.BatchInvokeAndWait(ctx, fmt.Sprintf("execute_tools:step_%d", n), items)
	if err != nil {
		return nil, err
	}

	infos := make([]ToolResultInfo, 0, len(valid))
	for i, p := range valid {
		name := p.call.Function.Name
		var (
			value  any
			status string
		)
		if results[i].Err != nil {
			value = fmt.Sprintf("Error: %s", toolErrorMessage(results[i].Err))
			status = ToolStatusFailed
		} else {
			value = results[i].Value
			status = ToolStatusCompleted
		}

		if len(r.cfg.OnToolEnd) > 0 {
			hc := r.hookContext()
			hc.Payload = p.args
			hc.Output = value
			_, out, err := runHookChain(ctx, r.step, fmt.Sprintf("%d.%d.", n, i), PhaseToolEnd, r.cfg.OnToolEnd, hc)
			if err != nil {
				return nil, err
			}
			if out != nil {
				value = out
			}
		}

		r.messages = append(r.messages, ToolResultMessage(p.call.CallID, toolContent(value)))
		infos = append(infos, ToolResultInfo{Name: name, Status: status, Result: value})
		if err := r.step.PublishWorkflowEvent(ctx, fmt.Sprintf("%d.event.tool_result.%d", n, i), EventToolResult, map[string]any{
			"id":     p.call.CallID,
			"name":   name,
			"status": status,
			"result": value,
			"step":   n,
		}); err != nil {
			return nil, err
		}
	}
	return infos, nil
}

// toolErrorMessage unwraps the child execution's own message from the step
// failure that carried it.
func toolErrorMessage(err error) string {
	var se *ErrStepExecution
	if errors.As(err, &se) && se.Cause != nil {
		return se.Cause.Error()
	}
	return err.Error()
}

// toolContent renders a tool result for the role=tool message.
func toolContent(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// --- stop conditions ---

func (r *agentRun) evalStopConditions(ctx context.Context, n int) (bool, error) {
	for i, sc := range r.cfg.StopConditions {
		fn := sc.Fn
		steps := r.steps
		raw, err := r.step.Run(ctx, fmt.Sprintf("%d.stop_condition.%s.%d", n, sc.Name, i), func(ctx context.Context) (any, error) {
			return fn(ctx, steps)
		})
		if err != nil {
			return false, err
		}
		stop, derr := DecodePayload[bool](raw)
		if derr != nil {
			return false, fmt.Errorf("stop condition %q returned a non-boolean: %w", sc.Name, derr)
		}
		if stop {
			r.logger.Info("stop condition met", "condition", sc.Name, "step", n)
			return true, nil
		}
	}
	return false, nil
}

// --- structured output ---

// parseStructuredOutput strips markdown fences, parses the JSON and
// validates it against the schema.
func parseStructuredOutput(content string, schema *Schema) (any, error) {
	text := stripCodeFences(content)
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("parse structured output: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

// stripCodeFences removes a surrounding markdown code fence, including an
// info string like "json" on the opening line.
func stripCodeFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		first := strings.TrimSpace(t[:i])
		if first != "" && !strings.ContainsAny(first, "{[") {
			t = t[i+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

func structuredFixupMessage(perr error, schema *Schema) string {
	return fmt.Sprintf(
		"Your previous response could not be parsed against the required output schema. Error: %v. Respond again with JSON matching this schema exactly, no prose and no code fences:\n%s",
		perr, string(schema.Raw()))
}
