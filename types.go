package polos

import "encoding/json"

// Message roles used throughout the agent loop and session memory.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationMessage is one entry of an agent conversation. The sequence is
// ordered; within a run history is append-only except for the summary pair
// the compactor installs at the head.
type ConversationMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// UserMessage creates a user-role message.
func UserMessage(content string) ConversationMessage {
	return ConversationMessage{Role: RoleUser, Content: content}
}

// SystemMessage creates a system-role message.
func SystemMessage(content string) ConversationMessage {
	return ConversationMessage{Role: RoleSystem, Content: content}
}

// AssistantMessage creates an assistant-role message.
func AssistantMessage(content string) ConversationMessage {
	return ConversationMessage{Role: RoleAssistant, Content: content}
}

// ToolResultMessage creates a tool-role message carrying the result of the
// tool call identified by callID.
func ToolResultMessage(callID, content string) ConversationMessage {
	return ConversationMessage{Role: RoleTool, Content: content, ToolCallID: callID}
}

// ToolCall is a normalised tool invocation produced by the LLM adapter and
// consumed by the agent loop. Arguments is a JSON-encoded string, exactly as
// providers emit it.
type ToolCall struct {
	ID       string       `json:"id"`
	CallID   string       `json:"call_id"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and its JSON-string arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage tracks token consumption. Counters accumulate monotonically over an
// agent run; cache fields stay zero for providers that do not report them.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	TotalTokens              int `json:"total_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Add accumulates v into u.
func (u *Usage) Add(v Usage) {
	u.InputTokens += v.InputTokens
	u.OutputTokens += v.OutputTokens
	u.TotalTokens += v.TotalTokens
	u.CacheReadInputTokens += v.CacheReadInputTokens
	u.CacheCreationInputTokens += v.CacheCreationInputTokens
}

// StepInfo records a single LLM round in the agent loop. The accumulated
// slice feeds stop-condition evaluation and the final run report.
type StepInfo struct {
	Step        int              `json:"step"`
	Content     string           `json:"content"`
	ToolCalls   []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults []ToolResultInfo `json:"tool_results,omitempty"`
	Usage       Usage            `json:"usage"`
	RawOutput   json.RawMessage  `json:"raw_output,omitempty"`
}

// ToolResultInfo is the per-call outcome record kept in the step log and
// returned at the end of an agent run.
type ToolResultInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
}

// Tool result statuses.
const (
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
)

// SessionMemory is the conversation state persisted with the orchestrator
// between agent runs that share a session id. The runtime never stores it
// locally; loads and stores are durable remote calls.
type SessionMemory struct {
	Summary  *string               `json:"summary"`
	Messages []ConversationMessage `json:"messages"`
}

// AgentRunResult is the value an agent workflow returns on completion.
type AgentRunResult struct {
	AgentRunID   string           `json:"agent_run_id"`
	Result       any              `json:"result"`
	ResultSchema json.RawMessage  `json:"result_schema,omitempty"`
	ToolResults  []ToolResultInfo `json:"tool_results"`
	TotalSteps   int              `json:"total_steps"`
	Usage        Usage            `json:"usage"`
}

// DecodePayload converts a dynamic handler payload (deserialized JSON) into a
// typed value via a JSON round-trip.
func DecodePayload[T any](payload any) (T, error) {
	var out T
	raw, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
