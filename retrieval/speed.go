package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"memorag/store"
)

// Speed is the vector-only retriever.
type Speed struct {
	index VectorSearcher
	store *store.Store
	topK  int
}

// NewSpeed creates the speed retriever with a default k for Retrieve.
func NewSpeed(index VectorSearcher, st *store.Store, topK int) *Speed {
	if topK <= 0 {
		topK = 5
	}
	return &Speed{index: index, store: st, topK: topK}
}

// Retrieve runs a KNN search and hydrates the results. topK <= 0 uses the
// configured default. Chunk order follows search rank.
func (s *Speed) Retrieve(ctx context.Context, query string, topK int) (*Result, error) {
	if topK <= 0 {
		topK = s.topK
	}

	hits, err := s.index.Search(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	res := &Result{
		Documents: map[string]store.Document{},
		Metadata:  Metadata{Mode: string(ModeSpeed)},
	}
	if len(hits) == 0 {
		return res, nil
	}

	var docOrder []string
	for _, h := range hits {
		chunk, err := s.store.GetChunk(ctx, h.ChunkID)
		if errors.Is(err, sql.ErrNoRows) {
			// Index can briefly lead the store during deletes.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hydrating chunk %s: %w", h.ChunkID, err)
		}
		res.Chunks = append(res.Chunks, ScoredChunk{
			Chunk: *chunk,
			Score: 1.0 / (1.0 + h.Distance),
		})
		if _, ok := res.Documents[chunk.DocID]; !ok {
			doc, err := s.store.GetDocument(ctx, chunk.DocID)
			if err != nil {
				return nil, fmt.Errorf("hydrating document %s: %w", chunk.DocID, err)
			}
			res.Documents[chunk.DocID] = *doc
			docOrder = append(docOrder, chunk.DocID)
		}
	}

	res.Context = assembleContext(res.Chunks, res.Documents, 0)
	res.Metadata.ChunksRetrieved = len(res.Chunks)
	res.Metadata.DocumentsUsed = len(docOrder)
	return res, nil
}

// RetrieveWithRerank over-fetches 2x, reorders by lexical term overlap with
// the query, and truncates to topN.
func (s *Speed) RetrieveWithRerank(ctx context.Context, query string, topN int) (*Result, error) {
	if topN <= 0 {
		topN = s.topK
	}

	res, err := s.Retrieve(ctx, query, topN*2)
	if err != nil {
		return nil, err
	}
	if len(res.Chunks) == 0 {
		return res, nil
	}

	queryTerms := tokenSet(query)
	overlap := func(c ScoredChunk) float64 {
		return termOverlap(queryTerms, c.Content)
	}
	// Stable sort keeps vector rank as the tie-break.
	sort.SliceStable(res.Chunks, func(i, j int) bool {
		return overlap(res.Chunks[i]) > overlap(res.Chunks[j])
	})
	if len(res.Chunks) > topN {
		res.Chunks = res.Chunks[:topN]
	}

	// Rebuild document map and context over the surviving chunks.
	docs := map[string]store.Document{}
	for _, c := range res.Chunks {
		if d, ok := res.Documents[c.DocID]; ok {
			docs[c.DocID] = d
		}
	}
	res.Documents = docs
	res.Context = assembleContext(res.Chunks, res.Documents, 0)
	res.Metadata.ChunksRetrieved = len(res.Chunks)
	res.Metadata.DocumentsUsed = len(docs)
	res.Metadata.Reranked = true
	return res, nil
}

// termOverlap computes |Q∩C| / |Q| over lowercase token sets.
func termOverlap(queryTerms map[string]bool, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	contentTerms := tokenSet(content)
	matched := 0
	for t := range queryTerms {
		if contentTerms[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, t := range strings.Fields(strings.ToLower(text)) {
		set[t] = true
	}
	return set
}

// assembleContext renders chunks as "[Source: title]\ncontent" blocks
// separated by ---. maxChunks <= 0 means no limit.
func assembleContext(chunks []ScoredChunk, docs map[string]store.Document, maxChunks int) string {
	var parts []string
	for i, c := range chunks {
		if maxChunks > 0 && i >= maxChunks {
			break
		}
		title := "Unknown"
		if d, ok := docs[c.DocID]; ok {
			title = d.Title
		}
		parts = append(parts, fmt.Sprintf("[Source: %s]\n%s", title, c.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}
