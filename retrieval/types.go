// Package retrieval implements the two retrieval strategies (vector-only
// speed mode, graph-expanded deep mode) and the selector that picks
// between them.
package retrieval

import (
	"context"

	"memorag/store"
	"memorag/vecindex"
)

// Mode names a retrieval strategy.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeSpeed Mode = "speed"
	ModeDeep  Mode = "deep"
)

// ValidMode reports whether m is a recognised mode.
func ValidMode(m Mode) bool {
	return m == ModeAuto || m == ModeSpeed || m == ModeDeep
}

// VectorSearcher is the KNN search surface. Implemented by vecindex.Index.
type VectorSearcher interface {
	Search(ctx context.Context, query string, k int) ([]vecindex.Hit, error)
}

// ScoredChunk is a retrieved chunk with its similarity score. Expansion
// chunks pulled in through the graph carry score 0.
type ScoredChunk struct {
	store.Chunk
	Score float64 `json:"score"`
}

// GraphPath is one path found during deep retrieval. Entities holds node
// ids, Names the matching display names.
type GraphPath struct {
	Entities []string `json:"entities"`
	Names    []string `json:"names"`
	Length   int      `json:"length"`
}

// Metadata summarises a retrieval for confidence scoring and responses.
type Metadata struct {
	Mode             string `json:"mode"`
	ChunksRetrieved  int    `json:"chunks_retrieved"`
	DocumentsUsed    int    `json:"documents_used"`
	GraphPathsFound  int    `json:"graph_paths_found,omitempty"`
	EntitiesExpanded int    `json:"entities_expanded,omitempty"`
	Reranked         bool   `json:"reranked,omitempty"`
}

// Result is the full output of one retrieval.
type Result struct {
	Chunks           []ScoredChunk             `json:"chunks"`
	Documents        map[string]store.Document `json:"documents"`
	GraphPaths       []GraphPath               `json:"graph_paths,omitempty"`
	QueryEntities    []string                  `json:"query_entities,omitempty"`
	ExpandedEntities []string                  `json:"expanded_entities,omitempty"`
	Context          string                    `json:"-"`
	Metadata         Metadata                  `json:"metadata"`
}
