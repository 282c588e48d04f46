//go:build cgo

package memorag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"memorag/chunker"
	"memorag/graph"
	"memorag/llm"
	"memorag/retrieval"
	"memorag/store"
	"memorag/vecindex"
)

type fakeLM struct {
	answer string
	genErr error
	ext    *llm.Extraction
	intent llm.Intent
	calls  int
}

func (f *fakeLM) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	f.calls++
	return f.answer, f.genErr
}

func (f *fakeLM) GenerateWithRetry(ctx context.Context, req llm.GenerateRequest) (string, error) {
	return f.Generate(ctx, req)
}

func (f *fakeLM) GenerateStream(ctx context.Context, req llm.GenerateRequest, fn func(string) error) error {
	f.calls++
	if f.genErr != nil {
		return f.genErr
	}
	return fn(f.answer)
}

func (f *fakeLM) DetectIntent(ctx context.Context, query string) (llm.Intent, error) {
	if f.intent == "" {
		return llm.IntentFactual, nil
	}
	return f.intent, nil
}

func (f *fakeLM) ExtractEntities(ctx context.Context, text string) (*llm.Extraction, error) {
	if f.ext == nil {
		return &llm.Extraction{}, nil
	}
	return f.ext, nil
}

func (f *fakeLM) CheckConnection(ctx context.Context) bool { return true }

type fakeIndex struct {
	hits    []vecindex.Hit
	added   map[string]string
	removed []string
	addErr  error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{added: map[string]string{}}
}

func (f *fakeIndex) AddChunks(ctx context.Context, ids, texts []string) error {
	if f.addErr != nil {
		return f.addErr
	}
	for i, id := range ids {
		f.added[id] = texts[i]
	}
	return nil
}

func (f *fakeIndex) RemoveChunks(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.added, id)
	}
	f.removed = append(f.removed, ids...)
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, query string, k int) ([]vecindex.Hit, error) {
	if len(f.hits) > k {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

func (f *fakeIndex) Save(ctx context.Context, target string) error { return nil }

func (f *fakeIndex) Stats(ctx context.Context) (*vecindex.Stats, error) {
	return &vecindex.Stats{TotalVectors: len(f.added), Dimension: 4, IndexType: "sqlite-vec"}, nil
}

func (f *fakeIndex) Close() error { return nil }

func newTestEngine(t *testing.T, lm llm.Client, idx vectorIndex) *Engine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.StorageDir = t.TempDir()
	if err := os.MkdirAll(cfg.DocumentsDir(), 0o755); err != nil {
		t.Fatal(err)
	}

	st, err := store.New(cfg.DBPath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	g := graph.New(cfg.GraphMaxPaths)
	e := &Engine{
		cfg:       cfg,
		store:     st,
		index:     idx,
		graph:     g,
		builder:   graph.NewBuilder(st, lm, g),
		llm:       lm,
		chunker:   chunker.New(cfg.ChunkSize, cfg.ChunkOverlap),
		selector:  retrieval.NewSelector(lm, cfg.ModeSelectionThreshold),
		startTime: time.Now(),
	}
	e.speed = retrieval.NewSpeed(idx, st, cfg.TopKSpeed)
	e.deep = retrieval.NewDeep(idx, st, g, lm, cfg.TopKDeep, cfg.GraphMaxHops)
	return e
}

func seedChunk(t *testing.T, e *Engine) string {
	t.Helper()
	ctx := context.Background()
	if err := e.store.InsertDocument(ctx, store.Document{
		DocID: "d1", Title: "Alpha Guide", DocType: "text", Status: store.StatusCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.InsertChunks(ctx, []store.Chunk{
		{ChunkID: "c1", DocID: "d1", Content: "Alpha is a streaming protocol."},
	}); err != nil {
		t.Fatal(err)
	}
	return "c1"
}

func TestQueryGeneratesAnswer(t *testing.T) {
	lm := &fakeLM{answer: "Alpha is a streaming protocol."}
	idx := newFakeIndex()
	e := newTestEngine(t, lm, idx)
	seedChunk(t, e)
	idx.hits = []vecindex.Hit{{ChunkID: "c1", Distance: 0}}

	ans, err := e.Query(context.Background(), "What is Alpha?",
		WithMode(retrieval.ModeSpeed), WithSession("s1"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Answer != lm.answer {
		t.Errorf("answer = %q", ans.Answer)
	}
	if ans.ModeUsed != retrieval.ModeSpeed {
		t.Errorf("mode = %s", ans.ModeUsed)
	}
	// 1 chunk, 1 doc, short answer: base score only.
	if ans.Confidence != 0.5 {
		t.Errorf("confidence = %f", ans.Confidence)
	}

	logs, err := e.History(context.Background(), 10, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d provenance rows", len(logs))
	}
	if logs[0].Query != "What is Alpha?" || logs[0].ModeUsed != "speed" {
		t.Errorf("log = %+v", logs[0])
	}
	if len(logs[0].ChunksUsed) != 1 || logs[0].ChunksUsed[0] != "c1" {
		t.Errorf("chunks used = %v", logs[0].ChunksUsed)
	}
}

func TestQueryEmptyRetrievalAnswersCanned(t *testing.T) {
	lm := &fakeLM{answer: "should not be called"}
	e := newTestEngine(t, lm, newFakeIndex())

	ans, err := e.Query(context.Background(), "What is Alpha?", WithMode(retrieval.ModeSpeed))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Answer != insufficientAnswer {
		t.Errorf("answer = %q", ans.Answer)
	}
	if ans.Confidence != 0 {
		t.Errorf("confidence = %f", ans.Confidence)
	}
	if lm.calls != 0 {
		t.Errorf("LM called %d times on empty context", lm.calls)
	}

	// Even canned answers leave a provenance trail.
	logs, err := e.History(context.Background(), 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Errorf("got %d provenance rows", len(logs))
	}
}

func TestQueryValidation(t *testing.T) {
	e := newTestEngine(t, &fakeLM{}, newFakeIndex())
	ctx := context.Background()

	if _, err := e.Query(ctx, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank question: %v", err)
	}
	if _, err := e.Query(ctx, "q", WithMode(retrieval.Mode("fast"))); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad mode: %v", err)
	}
}

func TestQueryLMFailure(t *testing.T) {
	lm := &fakeLM{genErr: fmt.Errorf("LLM API error 500: boom")}
	idx := newFakeIndex()
	e := newTestEngine(t, lm, idx)
	seedChunk(t, e)
	idx.hits = []vecindex.Hit{{ChunkID: "c1", Distance: 0}}

	_, err := e.Query(context.Background(), "What is Alpha?", WithMode(retrieval.ModeSpeed))
	if !errors.Is(err, ErrLLMRequestFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestQueryStreamCanned(t *testing.T) {
	e := newTestEngine(t, &fakeLM{}, newFakeIndex())

	var got strings.Builder
	err := e.QueryStream(context.Background(), "What is Alpha?", retrieval.ModeSpeed,
		func(delta string) error {
			got.WriteString(delta)
			return nil
		})
	if err != nil {
		t.Fatalf("QueryStream: %v", err)
	}
	if got.String() != insufficientAnswerStream {
		t.Errorf("stream = %q", got.String())
	}
}

func TestQueryStreamDeltas(t *testing.T) {
	lm := &fakeLM{answer: "Alpha streams."}
	idx := newFakeIndex()
	e := newTestEngine(t, lm, idx)
	seedChunk(t, e)
	idx.hits = []vecindex.Hit{{ChunkID: "c1", Distance: 0}}

	var got strings.Builder
	err := e.QueryStream(context.Background(), "What is Alpha?", retrieval.ModeSpeed,
		func(delta string) error {
			got.WriteString(delta)
			return nil
		})
	if err != nil {
		t.Fatalf("QueryStream: %v", err)
	}
	if got.String() != "Alpha streams." {
		t.Errorf("stream = %q", got.String())
	}
}

func TestIngestContent(t *testing.T) {
	lm := &fakeLM{ext: &llm.Extraction{
		Entities: []llm.ExtractedEntity{{Name: "Alpha", Type: "technology"}},
	}}
	idx := newFakeIndex()
	e := newTestEngine(t, lm, idx)

	res, err := e.Ingest(context.Background(), IngestInput{
		Content: "Alpha is a streaming protocol used in production systems.",
		DocType: "text",
		Title:   "Alpha Notes",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != store.StatusCompleted {
		t.Errorf("status = %s", res.Status)
	}
	if res.ChunksCreated != 1 {
		t.Errorf("chunks = %d", res.ChunksCreated)
	}
	if res.EntitiesExtracted != 1 {
		t.Errorf("entities = %d", res.EntitiesExtracted)
	}
	if len(idx.added) != 1 {
		t.Errorf("indexed %d chunks", len(idx.added))
	}

	doc, chunks, err := e.GetDocument(context.Background(), res.DocID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != store.StatusCompleted || doc.Title != "Alpha Notes" || chunks != 1 {
		t.Errorf("doc = %+v chunks = %d", doc, chunks)
	}
}

func TestIngestValidation(t *testing.T) {
	e := newTestEngine(t, &fakeLM{}, newFakeIndex())
	ctx := context.Background()

	if _, err := e.Ingest(ctx, IngestInput{DocType: "text"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("no source: %v", err)
	}
	if _, err := e.Ingest(ctx, IngestInput{Content: "x", DocType: "exe"}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("bad type: %v", err)
	}
}

func TestIngestEmbedFailureMarksFailed(t *testing.T) {
	idx := newFakeIndex()
	idx.addErr = fmt.Errorf("embed backend down")
	e := newTestEngine(t, &fakeLM{}, idx)

	_, err := e.Ingest(context.Background(), IngestInput{
		Content: "some text", DocType: "text",
	})
	if !errors.Is(err, ErrEmbeddingFailed) {
		t.Fatalf("err = %v", err)
	}

	docs, err := e.ListDocuments(context.Background(), 10, 0, store.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Errorf("got %d failed documents", len(docs))
	}
}

func TestDeleteDocument(t *testing.T) {
	lm := &fakeLM{}
	idx := newFakeIndex()
	e := newTestEngine(t, lm, idx)

	res, err := e.Ingest(context.Background(), IngestInput{
		Content: "Alpha is a streaming protocol.", DocType: "text",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.DeleteDocument(context.Background(), res.DocID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if len(idx.added) != 0 {
		t.Errorf("index still holds %d chunks", len(idx.added))
	}
	if _, _, err := e.GetDocument(context.Background(), res.DocID); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("after delete: %v", err)
	}

	if err := e.DeleteDocument(context.Background(), "nope"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("unknown doc: %v", err)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	e := newTestEngine(t, &fakeLM{}, newFakeIndex())

	st, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != "healthy" || !st.LMConnected {
		t.Errorf("status = %+v", st)
	}
	if st.CacheHitRate != 0 || st.RedisConnected {
		t.Errorf("reserved fields set: %+v", st)
	}

	m, err := e.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.VectorIndex.IndexType != "sqlite-vec" {
		t.Errorf("metrics = %+v", m.VectorIndex)
	}
}
