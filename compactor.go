package polos

import (
	"context"
	"fmt"
	"strings"
)

// CompactionConfig tunes conversation compaction for an agent. The zero
// value means "enabled with defaults"; set Enabled to false to opt out.
type CompactionConfig struct {
	Enabled *bool
	// MaxConversationTokens is the estimated token count above which older
	// messages are folded into a summary. Default 80000.
	MaxConversationTokens int
	// MaxSummaryTokens caps the size of the generated summary. Default 20000.
	MaxSummaryTokens int
	// MinRecentMessages is how many trailing messages always survive
	// compaction verbatim. Default 2.
	MinRecentMessages int
	// Model overrides the model used for summarization. Defaults to the
	// agent's own model.
	Model string
}

// Compaction defaults.
const (
	defaultMaxConversationTokens = 80000
	defaultMaxSummaryTokens      = 20000
	defaultMinRecentMessages     = 2
)

// compactionSettings is a CompactionConfig with every default applied.
type compactionSettings struct {
	enabled               bool
	maxConversationTokens int
	maxSummaryTokens      int
	minRecentMessages     int
	model                 string
}

func (c CompactionConfig) resolve(fallbackModel string) compactionSettings {
	s := compactionSettings{
		enabled:               c.Enabled == nil || *c.Enabled,
		maxConversationTokens: c.MaxConversationTokens,
		maxSummaryTokens:      c.MaxSummaryTokens,
		minRecentMessages:     c.MinRecentMessages,
		model:                 c.Model,
	}
	if s.maxConversationTokens <= 0 {
		s.maxConversationTokens = defaultMaxConversationTokens
	}
	if s.maxSummaryTokens <= 0 {
		s.maxSummaryTokens = defaultMaxSummaryTokens
	}
	if s.minRecentMessages <= 0 {
		s.minRecentMessages = defaultMinRecentMessages
	}
	if s.model == "" {
		s.model = fallbackModel
	}
	return s
}

// --- summary pair ---

// summaryMarker is the reserved user-message content that introduces a
// compacted summary. The pair (user marker, assistant summary) sits at the
// head of a compacted conversation and is stripped before session memory is
// persisted.
const summaryMarker = "__conversation_summary__"

// summaryPair builds the two head messages carrying a summary.
func summaryPair(summary string) []ConversationMessage {
	return []ConversationMessage{UserMessage(summaryMarker), AssistantMessage(summary)}
}

// IsSummaryPair reports whether the two messages starting at index at form a
// compacted summary pair.
func IsSummaryPair(messages []ConversationMessage, at int) bool {
	return at >= 0 && len(messages) >= at+2 &&
		messages[at].Role == RoleUser && messages[at].Content == summaryMarker &&
		messages[at+1].Role == RoleAssistant
}

// stripSummaryPair removes a leading summary pair, returning the remaining
// messages and the summary text if one was present.
func stripSummaryPair(messages []ConversationMessage) ([]ConversationMessage, *string) {
	if !IsSummaryPair(messages, 0) {
		return messages, nil
	}
	summary := messages[1].Content
	return messages[2:], &summary
}

// --- compactor ---

// CompactionResult is what one compaction pass produced. When Compacted is
// false, Messages is the input untouched and Summary is the summary that was
// passed in.
type CompactionResult struct {
	Compacted bool                  `json:"compacted"`
	Messages  []ConversationMessage `json:"messages"`
	Summary   *string               `json:"summary,omitempty"`
}

// Compactor folds the older part of a conversation into an LLM-generated
// summary once the estimated token count crosses the configured ceiling.
// The summary absorbs any previous summary, so repeated compactions stay
// bounded.
type Compactor struct {
	llm    LLM
	est    TokenEstimator
	logger *Logger
}

// NewCompactor creates a compactor. A nil estimator uses the shared
// cl100k_base estimator; a nil logger discards.
func NewCompactor(llm LLM, est TokenEstimator, logger *Logger) *Compactor {
	if est == nil {
		est = NewTokenEstimator()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Compactor{llm: llm, est: est, logger: logger}
}

// CompactIfNeeded checks the conversation against the token ceiling and, if
// exceeded, replaces everything but the trailing minRecentMessages with a
// fresh summary pair. The passed summary is the prior one when the messages
// do not already open with a pair. The split never strands a tool result
// from the assistant turn that requested it.
func (c *Compactor) CompactIfNeeded(ctx context.Context, messages []ConversationMessage, summary *string, cfg compactionSettings) (CompactionResult, error) {
	if !cfg.enabled || len(messages) == 0 {
		return CompactionResult{Messages: messages, Summary: summary}, nil
	}
	total := EstimateMessageTokens(c.est, messages)
	if total <= cfg.maxConversationTokens {
		return CompactionResult{Messages: messages, Summary: summary}, nil
	}

	body, prior := stripSummaryPair(messages)
	if prior == nil {
		prior = summary
	}
	split := len(body) - cfg.minRecentMessages
	if split <= 0 {
		return CompactionResult{Messages: messages, Summary: summary}, nil
	}
	// Walk the split back so the kept suffix never opens with an orphaned
	// tool result.
	for split > 0 && body[split].Role == RoleTool {
		split--
	}
	if split <= 0 {
		return CompactionResult{Messages: messages, Summary: summary}, nil
	}
	older, recent := body[:split], body[split:]

	newSummary, err := c.summarize(ctx, older, prior, cfg)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("compact conversation: %w", err)
	}

	c.logger.Debug("conversation compacted",
		"estimated_tokens", total,
		"folded_messages", len(older),
		"kept_messages", len(recent))

	out := append(summaryPair(newSummary), recent...)
	return CompactionResult{Compacted: true, Messages: out, Summary: &newSummary}, nil
}

const summarizeSystemPrompt = "You maintain the long-term memory of an AI agent. " +
	"Condense the conversation below into a summary that preserves facts, decisions, " +
	"open tasks, tool outcomes and user preferences. Write the summary only, no preamble."

func (c *Compactor) summarize(ctx context.Context, older []ConversationMessage, prior *string, cfg compactionSettings) (string, error) {
	var sb strings.Builder
	if prior != nil && *prior != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(*prior)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation to fold in:\n")
	sb.WriteString(renderTranscript(older))

	resp, err := c.llm.Generate(ctx, GenerateRequest{
		Model:           cfg.model,
		SystemPrompt:    summarizeSystemPrompt,
		Messages:        []ConversationMessage{UserMessage(sb.String())},
		MaxOutputTokens: cfg.maxSummaryTokens,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("summarization returned empty content")
	}
	return resp.Content, nil
}

// renderTranscript flattens messages into a plain-text transcript for the
// summarization prompt.
func renderTranscript(messages []ConversationMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&sb, " [called %s(%s)]", tc.Function.Name, tc.Function.Arguments)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
