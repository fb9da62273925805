package polos

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolSpec is the provider-facing description of a callable tool. Parameters
// is a JSON Schema document.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// GenerateRequest is one LLM call. Tools and ResponseSchema are mutually
// exclusive in practice: when tools are attached the structured-output
// schema is withheld and only enforced after the agent stops calling tools.
type GenerateRequest struct {
	Model           string
	SystemPrompt    string
	Messages        []ConversationMessage
	Tools           []ToolSpec
	ResponseSchema  json.RawMessage
	Temperature     *float64
	MaxOutputTokens int
}

// GenerateResponse is the assistant's reply. Raw carries the undecoded
// provider body for diagnostics; it is not persisted.
type GenerateResponse struct {
	Content   string          `json:"content"`
	ToolCalls []ToolCall      `json:"toolCalls,omitempty"`
	Usage     Usage           `json:"usage"`
	Model     string          `json:"model,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// LLM abstracts the model backend an agent talks to.
type LLM interface {
	// Generate sends a request and returns a complete response.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	// GenerateStream streams text deltas into ch, then returns the final
	// response with usage stats. Implementations must not close ch.
	GenerateStream(ctx context.Context, req GenerateRequest, ch chan<- string) (GenerateResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}

// NormalizeToolCalls fills the gaps providers leave in tool calls: a missing
// CallID falls back to ID (or a positional id), and empty arguments become
// the empty JSON object so downstream parsing never sees "".
func NormalizeToolCalls(calls []ToolCall) []ToolCall {
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		if c.CallID == "" {
			if c.ID != "" {
				c.CallID = c.ID
			} else {
				c.CallID = fmt.Sprintf("call_%d", i)
			}
		}
		if c.ID == "" {
			c.ID = c.CallID
		}
		if c.Function.Arguments == "" {
			c.Function.Arguments = "{}"
		}
		out[i] = c
	}
	return out
}

// AssistantTurn converts a response into the conversation message appended
// to the transcript.
func AssistantTurn(resp GenerateResponse) ConversationMessage {
	msg := AssistantMessage(resp.Content)
	msg.ToolCalls = resp.ToolCalls
	return msg
}
