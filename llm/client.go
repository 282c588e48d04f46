// Package llm wraps an OpenAI-compatible endpoint (LM Studio by default)
// for chat completion, streaming, intent detection, entity extraction, and
// embeddings.
package llm

import "context"

// Intent classifies a query for retrieval mode selection.
type Intent string

const (
	IntentFactual     Intent = "factual"
	IntentComparative Intent = "comparative"
	IntentTemporal    Intent = "temporal"
	IntentCausal      Intent = "causal"
	IntentExploratory Intent = "exploratory"
)

// GenerateRequest is one chat completion call.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// ExtractedEntity is one entity mention found in a text.
type ExtractedEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExtractedRelation is a directed relation between two extracted entities,
// referenced by name.
type ExtractedRelation struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Extraction is the result of entity extraction over one text.
type Extraction struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// Client is the language model surface the engine depends on.
type Client interface {
	// Generate performs a single chat completion attempt.
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// GenerateWithRetry retries transient failures with capped exponential
	// backoff before giving up.
	GenerateWithRetry(ctx context.Context, req GenerateRequest) (string, error)

	// GenerateStream invokes fn once per generated text fragment, in order.
	// A non-nil error from fn aborts the stream.
	GenerateStream(ctx context.Context, req GenerateRequest, fn func(delta string) error) error

	// DetectIntent classifies the query into one of the Intent values.
	DetectIntent(ctx context.Context, query string) (Intent, error)

	// ExtractEntities pulls entities and relations from a text.
	ExtractEntities(ctx context.Context, text string) (*Extraction, error)

	// CheckConnection reports whether the endpoint answers a models probe.
	CheckConnection(ctx context.Context) bool
}

// Embedder produces dense vectors for texts.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
