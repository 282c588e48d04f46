package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config configures the endpoint. BaseURL points at the server root; the
// client appends /v1 paths.
type Config struct {
	BaseURL    string
	Model      string
	EmbedModel string
	APIKey     string
	Timeout    time.Duration
}

// LMStudio talks to an OpenAI-compatible server. It implements both Client
// and Embedder.
type LMStudio struct {
	cfg    Config
	client *http.Client
}

// NewLMStudio creates a client. The timeout defaults to 120s, generous for
// local servers that load models on first request.
func NewLMStudio(cfg Config) *LMStudio {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &LMStudio{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 8 * time.Second
)

// retryableStatusCode returns true for HTTP status codes that warrant a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

type apiError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *apiError) Error() string {
	return fmt.Sprintf("LLM API error %d: %s", e.status, e.body)
}

// --- wire types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *LMStudio) messages(req GenerateRequest) []chatMessage {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	return msgs
}

// Generate performs a single chat completion attempt with no retries.
func (c *LMStudio) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body := chatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    c.messages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	respBody, err := c.doPost(ctx, "/v1/chat/completions", body)
	if err != nil {
		return "", err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithRetry retries transient failures (network errors, 429, 5xx)
// with capped exponential backoff. Rate limit responses carrying a larger
// Retry-After are honoured.
func (c *LMStudio) GenerateWithRetry(ctx context.Context, req GenerateRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1))
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			var ae *apiError
			if asAPIError(lastErr, &ae) && ae.retryAfter > delay {
				delay = ae.retryAfter
			}
			slog.Warn("llm: retrying request",
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		out, err := c.Generate(ctx, req)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		var ae *apiError
		if asAPIError(err, &ae) && !retryableStatusCode(ae.status) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func asAPIError(err error, target **apiError) bool {
	ae, ok := err.(*apiError)
	if ok {
		*target = ae
	}
	return ok
}

// GenerateStream runs a streaming completion, calling fn for each text
// fragment in generation order.
func (c *LMStudio) GenerateStream(ctx context.Context, req GenerateRequest, fn func(delta string) error) error {
	body := chatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    c.messages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("streaming request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &apiError{status: resp.StatusCode, body: string(respBody)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // skip malformed keepalive lines
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// --- intent detection ---

const intentPrompt = `Classify the intent of this question into exactly one category:
- factual: asks for a specific fact or definition
- comparative: compares two or more things
- temporal: asks about time, sequence, or history
- causal: asks why something happens or what causes it
- exploratory: open-ended, asks for an overview or explanation

Question: %s

Respond with only the category name.`

// DetectIntent classifies the query. Unrecognised model output falls back
// to factual.
func (c *LMStudio) DetectIntent(ctx context.Context, query string) (Intent, error) {
	out, err := c.Generate(ctx, GenerateRequest{
		Prompt:      fmt.Sprintf(intentPrompt, query),
		Temperature: 0.0,
		MaxTokens:   10,
	})
	if err != nil {
		return "", err
	}

	answer := strings.ToLower(strings.TrimSpace(out))
	for _, intent := range []Intent{
		IntentComparative, IntentTemporal, IntentCausal, IntentExploratory, IntentFactual,
	} {
		if strings.Contains(answer, string(intent)) {
			return intent, nil
		}
	}
	return IntentFactual, nil
}

// --- entity extraction ---

const extractPrompt = `Extract the named entities and the relations between them from the text below.

Return ONLY a JSON object with this shape:
{
  "entities": [{"name": "...", "type": "person|organization|location|concept|product|event"}],
  "relations": [{"source": "...", "target": "...", "label": "...", "confidence": 0.0}]
}

Text:
%s`

// ExtractEntities asks the model for entities and relations as JSON. The
// response is parsed defensively since local models wrap JSON in prose or
// code fences.
func (c *LMStudio) ExtractEntities(ctx context.Context, text string) (*Extraction, error) {
	out, err := c.Generate(ctx, GenerateRequest{
		Prompt:      fmt.Sprintf(extractPrompt, text),
		Temperature: 0.1,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}
	return parseExtraction(out)
}

func parseExtraction(raw string) (*Extraction, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in extraction response")
	}

	var ext Extraction
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &ext); err != nil {
		return nil, fmt.Errorf("decoding extraction: %w", err)
	}

	// Drop malformed entries rather than failing the whole extraction.
	entities := ext.Entities[:0]
	for _, e := range ext.Entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		if e.Type == "" {
			e.Type = "concept"
		}
		entities = append(entities, e)
	}
	ext.Entities = entities

	relations := ext.Relations[:0]
	for _, r := range ext.Relations {
		if r.Source == "" || r.Target == "" {
			continue
		}
		if r.Label == "" {
			r.Label = "related_to"
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			r.Confidence = 1.0
		}
		relations = append(relations, r)
	}
	ext.Relations = relations

	return &ext, nil
}

// CheckConnection probes the models endpoint with a short timeout.
func (c *LMStudio) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// --- embeddings ---

// EmbedText embeds a single text.
func (c *LMStudio) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request, preserving input order.
func (c *LMStudio) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body := embeddingRequest{Model: c.cfg.EmbedModel, Input: texts}
	respBody, err := c.doPost(ctx, "/v1/embeddings", body)
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

// doPost performs a single POST with no retries.
func (c *LMStudio) doPost(ctx context.Context, path string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		ae := &apiError{status: resp.StatusCode, body: string(respBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				ae.retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, ae
	}
	return respBody, nil
}
