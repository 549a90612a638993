// Package budget provides token budget estimation and context fitting for the
// answer synthesizer. Because the synthesizer supports multiple LLM backends
// with different tokenizers, this package uses a conservative
// character-based heuristic: 1 token ≈ 4 characters.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// messageOverhead is the per-message framing cost in most chat APIs.
	messageOverhead = 4

	// DefaultMaxContextTokens is the default input budget in tokens for the
	// grounding prompt (system + context + question). It fits small local
	// models while leaving room for the answer.
	DefaultMaxContextTokens = 1500
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// FitContext keeps the longest prefix of contexts whose estimated cost, plus
// fixed and one separator per kept context, fits within maxTokens. contexts
// must be in descending relevance order so the least relevant are dropped
// first.
//
// A non-positive maxTokens disables budgeting. If fixed alone exceeds the
// budget, nil is returned; callers decide whether to proceed without context.
func FitContext(fixed []*schema.Message, contexts []string, separator string, maxTokens int) []string {
	if maxTokens <= 0 || len(contexts) == 0 {
		return contexts
	}

	used := EstimateMessages(fixed)
	sep := Estimate(separator)
	for i, c := range contexts {
		cost := Estimate(c)
		if i > 0 {
			cost += sep
		}
		if used+cost > maxTokens {
			if i == 0 {
				return nil
			}
			return contexts[:i]
		}
		used += cost
	}
	return contexts
}
