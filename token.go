package polos

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator approximates token counts for compaction decisions. Counts
// do not need to match the provider exactly; they only need to be stable and
// in the right ballpark.
type TokenEstimator interface {
	// CountTokens returns the approximate token count of text.
	CountTokens(text string) int
}

// tiktokenEstimator counts with the cl100k_base encoding. When the encoding
// fails to load (offline builds without the embedded BPE data), it degrades
// to the len/4 heuristic instead of erroring.
type tiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

var (
	defaultEstimator     *tiktokenEstimator
	defaultEstimatorOnce sync.Once
)

// NewTokenEstimator returns the shared cl100k_base estimator.
func NewTokenEstimator() TokenEstimator {
	defaultEstimatorOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
		defaultEstimator = &tiktokenEstimator{enc: enc}
	})
	return defaultEstimator
}

func (e *tiktokenEstimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if e.enc == nil {
		return len(text) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// EstimateMessageTokens sums the token counts of a conversation, adding a
// small per-message overhead for role markers and framing, plus the encoded
// tool call payloads.
func EstimateMessageTokens(est TokenEstimator, messages []ConversationMessage) int {
	const perMessageOverhead = 10
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += est.CountTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += est.CountTokens(tc.Function.Name)
			total += est.CountTokens(tc.Function.Arguments)
		}
	}
	return total
}

var _ TokenEstimator = (*tiktokenEstimator)(nil)
