package polos

import (
	"context"
	"encoding/json"
	"strings"
)

// Kind distinguishes the three definition variants.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindTool     Kind = "tool"
	KindAgent    Kind = "agent"
)

// Handler is the user function behind a workflow. It receives the dynamic
// payload the orchestrator dispatched and the execution's durable step
// helper; everything with a side effect should go through the helper so the
// handler replays deterministically.
type Handler func(ctx context.Context, step *Step, payload any) (any, error)

// Queue binds a definition to a named concurrency-limited dispatch lane.
type Queue struct {
	Name             string
	ConcurrencyLimit int
}

// ApprovalMode controls whether a tool requires human sign-off before its
// handler runs.
type ApprovalMode string

const (
	ApprovalNone   ApprovalMode = "none"
	ApprovalAlways ApprovalMode = "always"
	// ApprovalPaths requires sign-off only when the call's "path" argument
	// falls under one of the configured prefixes.
	ApprovalPaths ApprovalMode = "paths"
)

// ApprovalPolicy is a tool's human-in-the-loop gate.
type ApprovalPolicy struct {
	Mode  ApprovalMode
	Paths []string
}

// requires reports whether this policy gates the given call payload.
func (p ApprovalPolicy) requires(payload any) bool {
	switch p.Mode {
	case ApprovalAlways:
		return true
	case ApprovalPaths:
		m, ok := payload.(map[string]any)
		if !ok {
			return false
		}
		path, ok := m["path"].(string)
		if !ok {
			return false
		}
		for _, prefix := range p.Paths {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}
	return false
}

// WorkflowDefinition is the declarative unit the registry holds: identity,
// trigger, queue binding, schemas, lifecycle hooks, and the handler. It is
// shared read-only across executions and must not be mutated after
// registration.
type WorkflowDefinition struct {
	ID      string
	Kind    Kind
	Trigger Trigger
	Queue   *Queue

	InputSchema  *Schema
	StateSchema  *Schema
	OutputSchema *Schema

	OnStart []Hook
	OnEnd   []Hook

	Handler Handler

	// Tool fields.
	Description string
	Parameters  json.RawMessage
	Approval    ApprovalPolicy

	// Agent fields.
	Agent *AgentConfig
}

// IsWorkflow reports whether the definition is a plain workflow.
func (d *WorkflowDefinition) IsWorkflow() bool { return d.Kind == KindWorkflow }

// IsTool reports whether the definition is an LLM-facing tool.
func (d *WorkflowDefinition) IsTool() bool { return d.Kind == KindTool }

// IsAgent reports whether the definition runs the agent loop.
func (d *WorkflowDefinition) IsAgent() bool { return d.Kind == KindAgent }

// AgentConfig configures an agent definition: which model it speaks to, the
// tools it may call, and the middleware around each loop iteration.
type AgentConfig struct {
	Provider     string
	Model        string
	SystemPrompt string

	// Tools lists tool workflow ids resolvable through the registry.
	Tools []string

	Guardrails          []Guardrail
	GuardrailMaxRetries int // default 3

	StopConditions []StopCondition

	OnAgentStepStart []Hook
	OnAgentStepEnd   []Hook
	OnToolStart      []Hook
	OnToolEnd        []Hook

	Compaction CompactionConfig

	Temperature     *float64
	MaxOutputTokens int
}

// defaultGuardrailMaxRetries bounds guardrail-triggered LLM re-calls per
// loop iteration.
const defaultGuardrailMaxRetries = 3

// DefinitionOption configures a definition at construction.
type DefinitionOption func(*WorkflowDefinition)

// WithTrigger sets how the orchestrator starts the workflow.
func WithTrigger(t Trigger) DefinitionOption {
	return func(d *WorkflowDefinition) { d.Trigger = t }
}

// WithQueue binds the definition to a named dispatch lane. A zero limit
// leaves the lane unbounded.
func WithQueue(name string, concurrencyLimit int) DefinitionOption {
	return func(d *WorkflowDefinition) {
		d.Queue = &Queue{Name: name, ConcurrencyLimit: concurrencyLimit}
	}
}

// WithInputSchema validates dispatch payloads before the handler runs.
func WithInputSchema(s *Schema) DefinitionOption {
	return func(d *WorkflowDefinition) { d.InputSchema = s }
}

// WithStateSchema declares the execution state shape.
func WithStateSchema(s *Schema) DefinitionOption {
	return func(d *WorkflowDefinition) { d.StateSchema = s }
}

// WithOutputSchema declares the result shape. On agents this is the
// structured-output schema the loop parses the final response against.
func WithOutputSchema(s *Schema) DefinitionOption {
	return func(d *WorkflowDefinition) { d.OutputSchema = s }
}

// WithOnStart appends lifecycle hooks that run before the handler.
func WithOnStart(hooks ...Hook) DefinitionOption {
	return func(d *WorkflowDefinition) { d.OnStart = append(d.OnStart, hooks...) }
}

// WithOnEnd appends lifecycle hooks that run after the handler.
func WithOnEnd(hooks ...Hook) DefinitionOption {
	return func(d *WorkflowDefinition) { d.OnEnd = append(d.OnEnd, hooks...) }
}

// WithApproval sets a tool's human-in-the-loop policy.
func WithApproval(policy ApprovalPolicy) DefinitionOption {
	return func(d *WorkflowDefinition) { d.Approval = policy }
}

// NewWorkflow builds a plain workflow definition.
func NewWorkflow(id string, handler Handler, opts ...DefinitionOption) *WorkflowDefinition {
	d := &WorkflowDefinition{ID: id, Kind: KindWorkflow, Handler: handler}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewTool builds a tool definition: a workflow with an LLM-facing
// description and JSON-schema parameters. Tool executions are never retried
// by the orchestrator; their failures are reported back to the calling LLM
// as text so it can recover.
func NewTool(id, description string, parameters json.RawMessage, handler Handler, opts ...DefinitionOption) *WorkflowDefinition {
	d := &WorkflowDefinition{
		ID:          id,
		Kind:        KindTool,
		Handler:     handler,
		Description: description,
		Parameters:  parameters,
		Approval:    ApprovalPolicy{Mode: ApprovalNone},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewAgent builds an agent definition whose handler is the LLM-tool loop.
func NewAgent(id string, cfg AgentConfig, opts ...DefinitionOption) *WorkflowDefinition {
	if cfg.GuardrailMaxRetries <= 0 {
		cfg.GuardrailMaxRetries = defaultGuardrailMaxRetries
	}
	d := &WorkflowDefinition{ID: id, Kind: KindAgent, Agent: &cfg}
	d.Handler = func(ctx context.Context, step *Step, payload any) (any, error) {
		return runAgentLoop(ctx, step, d, payload)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AgentPayload is the dispatch payload an agent workflow accepts.
type AgentPayload struct {
	// Input is the user turn: a string or a message list.
	Input any `json:"input"`
	// Streaming publishes text deltas as they arrive when no guardrail is
	// configured.
	Streaming bool `json:"streaming,omitempty"`
	// AgentConfig carries per-invocation overrides.
	AgentConfig *AgentInvokeConfig `json:"agent_config,omitempty"`
}

// AgentInvokeConfig overrides parts of the static AgentConfig for one run.
type AgentInvokeConfig struct {
	Model           string   `json:"model,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}
