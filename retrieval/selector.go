package retrieval

import (
	"context"
	"log/slog"
	"strings"

	"memorag/llm"
)

// complexityKeywords are question words that suggest multi-hop reasoning.
// Matched as case-insensitive substrings.
var complexityKeywords = []string{
	"compare", "difference", "versus", "vs", "contrast",
	"how", "why", "when",
	"evolution", "change", "trend",
	"cause", "effect", "impact", "influence",
	"relationship", "between", "among",
}

// IntentDetector classifies a query. Implemented by llm.LMStudio.
type IntentDetector interface {
	DetectIntent(ctx context.Context, query string) (llm.Intent, error)
}

// Selector decides between speed and deep retrieval by scoring query
// complexity.
type Selector struct {
	intents   IntentDetector
	threshold float64
}

// NewSelector creates a selector. The threshold defaults to 0.5.
func NewSelector(intents IntentDetector, threshold float64) *Selector {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Selector{intents: intents, threshold: threshold}
}

// SelectMode scores the query and returns deep when the score reaches the
// threshold.
func (s *Selector) SelectMode(ctx context.Context, query string) (Mode, float64) {
	score := s.complexityScore(ctx, query)

	mode := ModeSpeed
	if score >= s.threshold {
		mode = ModeDeep
	}
	slog.Info("retrieval: mode selected", "mode", mode, "score", score)
	return mode, score
}

// complexityScore sums weighted signals, clamped to [0,1]:
// query length, question marks, complexity keywords, and LM intent.
func (s *Selector) complexityScore(ctx context.Context, query string) float64 {
	score := 0.0

	words := len(strings.Fields(query))
	switch {
	case words > 20:
		score += 0.30
	case words > 10:
		score += 0.15
	}

	if strings.Count(query, "?") > 1 {
		score += 0.20
	}

	lower := strings.ToLower(query)
	hits := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	kwScore := float64(hits) * 0.15
	if kwScore > 0.40 {
		kwScore = 0.40
	}
	score += kwScore

	if s.intents != nil {
		intent, err := s.intents.DetectIntent(ctx, query)
		if err != nil {
			// Intent is advisory; a failed call contributes nothing.
			slog.Warn("retrieval: intent detection failed", "error", err)
		} else {
			switch intent {
			case llm.IntentComparative, llm.IntentTemporal, llm.IntentCausal:
				score += 0.30
			case llm.IntentExploratory:
				score += 0.20
			}
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
