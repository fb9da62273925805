package openaicompat

import (
	"encoding/json"

	polos "github.com/polos-ai/polos-go"
)

// BuildBody converts a polos.GenerateRequest into an OpenAI-format
// ChatRequest for the given model. The system prompt becomes a leading
// role:"system" message. Options configure generation parameters
// (temperature, top_p, etc.); parameters carried by the request itself
// are applied after options, so an agent's explicit settings win over
// provider defaults.
func BuildBody(req polos.GenerateRequest, model string, opts ...Option) ChatRequest {
	msgs := make([]Message, 0, len(req.Messages)+1)

	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{
			Role:    "system",
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		switch {
		case m.Role == polos.RoleAssistant && len(m.ToolCalls) > 0:
			// Assistant turn that requested tools.
			tcs := make([]ToolCallRequest, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				id := tc.CallID
				if id == "" {
					id = tc.ID
				}
				tcs = append(tcs, ToolCallRequest{
					ID:   id,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			msg := Message{
				Role:      "assistant",
				ToolCalls: tcs,
			}
			// Include text content if present alongside tool calls.
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == polos.RoleTool:
			// Tool result message.
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			// Regular system, user, or assistant message.
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	out := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(req.Tools) > 0 {
		out.Tools = BuildToolDefs(req.Tools)
	}

	// Structured output: enforce JSON response matching the schema.
	if len(req.ResponseSchema) > 0 {
		out.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   "response",
				Schema: req.ResponseSchema,
				Strict: true,
			},
		}
	}

	for _, opt := range opts {
		opt(&out)
	}

	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if req.MaxOutputTokens > 0 {
		out.MaxTokens = req.MaxOutputTokens
	}

	return out
}

// BuildToolDefs converts polos tool specs to OpenAI tool format.
func BuildToolDefs(tools []polos.ToolSpec) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
