package retrieval

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"memorag/llm"
)

type stubIntent struct {
	intent llm.Intent
	err    error
}

func (s *stubIntent) DetectIntent(ctx context.Context, query string) (llm.Intent, error) {
	return s.intent, s.err
}

func TestComplexityScore(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		query  string
		intent llm.Intent
		err    error
		want   float64
	}{
		{
			name:   "simple factual",
			query:  "What is photosynthesis",
			intent: llm.IntentFactual,
			want:   0.0,
		},
		{
			name: "medium length",
			// 11 words, no keywords.
			query:  "a b c d e f g h i j k",
			intent: llm.IntentFactual,
			want:   0.15,
		},
		{
			name: "long query",
			// 21 words.
			query:  strings.Repeat("a ", 20) + "a",
			intent: llm.IntentFactual,
			want:   0.30,
		},
		{
			name:   "multiple questions",
			query:  "Is it a? Is it b?",
			intent: llm.IntentFactual,
			want:   0.20,
		},
		{
			name: "keyword cap",
			// compare, difference, cause, effect, why: 5 hits capped at 0.40.
			query:  "compare difference cause effect why",
			intent: llm.IntentFactual,
			want:   0.40,
		},
		{
			name:   "comparative intent",
			query:  "Alpha or beta",
			intent: llm.IntentComparative,
			want:   0.30,
		},
		{
			name:   "exploratory intent",
			query:  "Tell me about alpha",
			intent: llm.IntentExploratory,
			want:   0.20,
		},
		{
			name:   "intent failure contributes zero",
			query:  "Alpha or beta",
			intent: llm.IntentComparative,
			err:    fmt.Errorf("offline"),
			want:   0.0,
		},
		{
			name: "clamped to one",
			// 21 words, two ?, four keywords, causal intent.
			query:  "why does the compare of cause and effect " + strings.Repeat("x ", 12) + "happen? really?",
			intent: llm.IntentCausal,
			want:   1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSelector(&stubIntent{intent: tt.intent, err: tt.err}, 0.5)
			got := s.complexityScore(ctx, tt.query)
			if diff := got - tt.want; diff < -1e-9 || diff > 1e-9 {
				t.Errorf("score = %f, want %f", got, tt.want)
			}
			if got < 0 || got > 1 {
				t.Errorf("score %f outside [0,1]", got)
			}
		})
	}
}

func TestSelectMode(t *testing.T) {
	ctx := context.Background()

	s := NewSelector(&stubIntent{intent: llm.IntentFactual}, 0.5)
	if mode, _ := s.SelectMode(ctx, "What is X"); mode != ModeSpeed {
		t.Errorf("simple query selected %s", mode)
	}

	// compare + why + cause = 0.45 keyword score capped at 0.40, plus 0.15
	// length: deep.
	mode, score := s.SelectMode(ctx, "Compare X and Y and then explain why Z causes W here")
	if mode != ModeDeep {
		t.Errorf("complex query selected %s (score %f)", mode, score)
	}
	if score < 0.5 {
		t.Errorf("score = %f, want >= 0.5", score)
	}

	// Threshold is inclusive.
	exact := NewSelector(&stubIntent{intent: llm.IntentExploratory}, 0.2)
	if mode, score := exact.SelectMode(ctx, "alpha"); mode != ModeDeep || score != 0.2 {
		t.Errorf("boundary: mode=%s score=%f", mode, score)
	}
}

func TestValidMode(t *testing.T) {
	for _, m := range []Mode{ModeAuto, ModeSpeed, ModeDeep} {
		if !ValidMode(m) {
			t.Errorf("%s should be valid", m)
		}
	}
	if ValidMode(Mode("fast")) {
		t.Error("unknown mode accepted")
	}
}
