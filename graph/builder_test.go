//go:build cgo

package graph

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"memorag/llm"
	"memorag/store"
)

// fakeLM returns a fixed extraction for every chunk.
type fakeLM struct {
	ext *llm.Extraction
	err error
}

func (f *fakeLM) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	return "", nil
}
func (f *fakeLM) GenerateWithRetry(ctx context.Context, req llm.GenerateRequest) (string, error) {
	return "", nil
}
func (f *fakeLM) GenerateStream(ctx context.Context, req llm.GenerateRequest, fn func(string) error) error {
	return nil
}
func (f *fakeLM) DetectIntent(ctx context.Context, query string) (llm.Intent, error) {
	return llm.IntentFactual, nil
}
func (f *fakeLM) ExtractEntities(ctx context.Context, text string) (*llm.Extraction, error) {
	return f.ext, f.err
}
func (f *fakeLM) CheckConnection(ctx context.Context) bool { return true }

func setupBuilder(t *testing.T, lm llm.Client) (*Builder, *store.Store, *Graph) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.InsertDocument(ctx, store.Document{
		DocID: "d1", Title: "t", DocType: "text", Status: store.StatusProcessing,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertChunks(ctx, []store.Chunk{
		{ChunkID: "c1", DocID: "d1", Content: "text", EndChar: 4},
	}); err != nil {
		t.Fatal(err)
	}

	g := New(0)
	return NewBuilder(st, lm, g), st, g
}

func TestExtractAndAdd(t *testing.T) {
	lm := &fakeLM{ext: &llm.Extraction{
		Entities: []llm.ExtractedEntity{
			{Name: "Alice", Type: "person"},
			{Name: "Acme", Type: "organization"},
		},
		Relations: []llm.ExtractedRelation{
			{Source: "Alice", Target: "Acme", Label: "works_at", Confidence: 0.9},
			{Source: "Alice", Target: "Nowhere", Label: "broken", Confidence: 0.5},
		},
	}}
	b, st, g := setupBuilder(t, lm)
	ctx := context.Background()

	entities, relations, err := b.ExtractAndAdd(ctx, "text", "d1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if entities != 2 {
		t.Errorf("entities added = %d, want 2", entities)
	}
	// The relation to an unknown endpoint is dropped.
	if relations != 1 {
		t.Errorf("relations added = %d, want 1", relations)
	}

	nodes, edges := g.Stats()
	if nodes != 2 || edges != 1 {
		t.Errorf("graph has %d nodes, %d edges", nodes, edges)
	}

	// Entities are linked to the source chunk.
	linked, err := st.GetChunkEntities(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(linked) != 2 {
		t.Errorf("chunk links = %d, want 2", len(linked))
	}

	// The path Alice -> Acme is reachable by name.
	paths := g.FindPaths("alice", 1)
	if len(paths) != 1 {
		t.Fatalf("paths: %v", paths)
	}
}

func TestExtractAndAddDeduplicates(t *testing.T) {
	lm := &fakeLM{ext: &llm.Extraction{
		Entities: []llm.ExtractedEntity{{Name: "Alice", Type: "person"}},
	}}
	b, _, g := setupBuilder(t, lm)
	ctx := context.Background()

	if n, _, err := b.ExtractAndAdd(ctx, "text", "d1", "c1"); err != nil || n != 1 {
		t.Fatalf("first run: n=%d err=%v", n, err)
	}
	// Same entity again counts as zero new.
	if n, _, err := b.ExtractAndAdd(ctx, "text", "d1", "c1"); err != nil || n != 0 {
		t.Fatalf("second run: n=%d err=%v", n, err)
	}

	if nodes, _ := g.Stats(); nodes != 1 {
		t.Errorf("graph nodes = %d, want 1", nodes)
	}
}

func TestExtractAndAddPropagatesLMError(t *testing.T) {
	lm := &fakeLM{err: fmt.Errorf("model offline")}
	b, _, _ := setupBuilder(t, lm)

	if _, _, err := b.ExtractAndAdd(context.Background(), "text", "d1", "c1"); err == nil {
		t.Error("expected extraction error")
	}
}

func TestLoadFromStore(t *testing.T) {
	b, st, _ := setupBuilder(t, &fakeLM{ext: &llm.Extraction{
		Entities: []llm.ExtractedEntity{
			{Name: "A", Type: "concept"},
			{Name: "B", Type: "concept"},
		},
		Relations: []llm.ExtractedRelation{
			{Source: "A", Target: "B", Label: "rel", Confidence: 1},
		},
	}})
	ctx := context.Background()

	if _, _, err := b.ExtractAndAdd(ctx, "text", "d1", "c1"); err != nil {
		t.Fatal(err)
	}

	// A fresh graph rebuilt from the store matches the live one.
	g2 := New(0)
	if err := g2.Load(ctx, st); err != nil {
		t.Fatal(err)
	}
	nodes, edges := g2.Stats()
	if nodes != 2 || edges != 1 {
		t.Errorf("reloaded graph has %d nodes, %d edges", nodes, edges)
	}
	if _, ok := g2.Resolve("a"); !ok {
		t.Error("reloaded graph cannot resolve entity by name")
	}
}
