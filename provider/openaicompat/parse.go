package openaicompat

import (
	polos "github.com/polos-ai/polos-go"
)

// ParseResponse converts an OpenAI-format ChatResponse to a
// polos.GenerateResponse. It extracts content, tool calls, and usage from
// choices[0].
func ParseResponse(resp ChatResponse) (polos.GenerateResponse, error) {
	var out polos.GenerateResponse
	out.Model = resp.Model

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = parseUsage(resp.Usage)
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to polos ToolCalls.
// Arguments stay a raw JSON string; the agent loop normalises empties.
func ParseToolCalls(tcs []ToolCallRequest) []polos.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]polos.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, polos.ToolCall{
			ID:     tc.ID,
			CallID: tc.ID,
			Function: polos.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

func parseUsage(u *Usage) polos.Usage {
	out := polos.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadInputTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}
