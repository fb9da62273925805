package polos

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// GuardrailAction is a guardrail's verdict on an LLM response.
type GuardrailAction string

const (
	// GuardrailContinue accepts the response, possibly with modifications.
	GuardrailContinue GuardrailAction = "continue"
	// GuardrailRetry rejects the response and asks the agent to re-issue the
	// LLM call with the guardrail's message appended as user feedback.
	GuardrailRetry GuardrailAction = "retry"
	// GuardrailFail aborts the agent run with the guardrail's message.
	GuardrailFail GuardrailAction = "fail"
)

// GuardrailContext is the slice of the agent state a guardrail inspects:
// the candidate response plus the conversation that produced it.
type GuardrailContext struct {
	Content   string                `json:"content"`
	ToolCalls []ToolCall            `json:"toolCalls,omitempty"`
	Messages  []ConversationMessage `json:"messages,omitempty"`
}

// GuardrailResult is a guardrail's verdict. ModifiedContent and
// ModifiedToolCalls, when set, replace the response before it is appended to
// the conversation; they are honored for Continue verdicts.
type GuardrailResult struct {
	Action            GuardrailAction `json:"action"`
	Message           string          `json:"message,omitempty"`
	ModifiedContent   *string         `json:"modifiedContent,omitempty"`
	ModifiedToolCalls []ToolCall      `json:"modifiedToolCalls,omitempty"`
}

// Guardrail validates LLM responses before an agent acts on them. Guardrails
// run as durable steps inside the agent loop: each evaluation is recorded
// under its own step key, so a replayed attempt restores recorded verdicts
// instead of re-running the check.
//
// An agent with at least one guardrail never streams; the response is
// buffered so the full content can be inspected.
type Guardrail struct {
	Name string
	Fn   func(ctx context.Context, gc *GuardrailContext) (*GuardrailResult, error)
}

// NewGuardrail builds a guardrail from a name and a function.
func NewGuardrail(name string, fn func(ctx context.Context, gc *GuardrailContext) (*GuardrailResult, error)) Guardrail {
	return Guardrail{Name: name, Fn: fn}
}

// --- content normalization ---

// zeroWidthChars are Unicode zero-width and invisible characters used for
// obfuscation. All are replaced before matching.
var zeroWidthChars = strings.NewReplacer(
	"​", " ", // zero-width space
	"‌", " ", // zero-width non-joiner
	"‍", " ", // zero-width joiner
	"\uFEFF", " ", // zero-width no-break space (BOM)
	"⁠", " ", // word joiner
	"᠎", " ", // Mongolian vowel separator
	"­", "",  // soft hyphen (removed, not replaced)
)

// normalizeContent strips zero-width characters and applies NFKC so that
// fullwidth Latin, mathematical alphanumerics and ligatures fold back to
// their plain forms before keyword matching.
func normalizeContent(s string) string {
	return norm.NFKC.String(zeroWidthChars.Replace(s))
}

// --- KeywordGuardrail ---

// KeywordGuardrail blocks responses containing any of the given keywords
// (case-insensitive substring match after normalization) or matching a
// regex. The default verdict is retry with a feedback message naming the
// match; use Failing() to abort the run instead.
type KeywordGuardrail struct {
	name     string
	keywords []string
	regexes  []*regexp.Regexp
	action   GuardrailAction
	message  string
}

// NewKeywordGuardrail creates a guardrail that rejects responses containing
// any of the given keywords.
func NewKeywordGuardrail(name string, keywords ...string) *KeywordGuardrail {
	lower := make([]string, len(keywords))
	for i, k := range keywords {
		lower[i] = strings.ToLower(k)
	}
	return &KeywordGuardrail{name: name, keywords: lower, action: GuardrailRetry}
}

// WithRegex adds regex patterns to the guardrail.
// Returns the guardrail for builder-style chaining.
func (g *KeywordGuardrail) WithRegex(patterns ...*regexp.Regexp) *KeywordGuardrail {
	g.regexes = append(g.regexes, patterns...)
	return g
}

// WithMessage overrides the feedback message sent back to the LLM.
// Returns the guardrail for builder-style chaining.
func (g *KeywordGuardrail) WithMessage(msg string) *KeywordGuardrail {
	g.message = msg
	return g
}

// Failing makes a match abort the agent run instead of requesting a retry.
// Returns the guardrail for builder-style chaining.
func (g *KeywordGuardrail) Failing() *KeywordGuardrail {
	g.action = GuardrailFail
	return g
}

// Guardrail converts the builder into the Guardrail an AgentConfig accepts.
func (g *KeywordGuardrail) Guardrail() Guardrail {
	return Guardrail{Name: g.name, Fn: func(_ context.Context, gc *GuardrailContext) (*GuardrailResult, error) {
		lower := strings.ToLower(normalizeContent(gc.Content))
		for _, kw := range g.keywords {
			if strings.Contains(lower, kw) {
				return &GuardrailResult{Action: g.action, Message: g.feedback(kw)}, nil
			}
		}
		for _, re := range g.regexes {
			if re.MatchString(gc.Content) {
				return &GuardrailResult{Action: g.action, Message: g.feedback(re.String())}, nil
			}
		}
		return &GuardrailResult{Action: GuardrailContinue}, nil
	}}
}

func (g *KeywordGuardrail) feedback(match string) string {
	if g.message != "" {
		return g.message
	}
	return fmt.Sprintf("The response contained blocked content (%q). Rephrase without it.", match)
}

// --- MaxToolCallsGuardrail ---

// MaxToolCallsGuardrail limits the number of tool calls per LLM response.
// Excess calls are silently trimmed (the first max are kept); the verdict is
// always continue. This guardrail trims rather than halts.
func MaxToolCallsGuardrail(max int) Guardrail {
	return Guardrail{Name: "max_tool_calls", Fn: func(_ context.Context, gc *GuardrailContext) (*GuardrailResult, error) {
		if len(gc.ToolCalls) <= max {
			return &GuardrailResult{Action: GuardrailContinue}, nil
		}
		trimmed := make([]ToolCall, max)
		copy(trimmed, gc.ToolCalls[:max])
		return &GuardrailResult{Action: GuardrailContinue, ModifiedToolCalls: trimmed}, nil
	}}
}
