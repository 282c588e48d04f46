package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"memorag/llm"
	"memorag/store"
)

// PathFinder is the graph surface deep retrieval needs. Implemented by
// graph.Graph.
type PathFinder interface {
	FindPaths(start string, maxHops int) [][]string
	NodeName(id string) (string, bool)
}

// EntityExtractor pulls entities from the query text. Implemented by
// llm.LMStudio.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, text string) (*llm.Extraction, error)
}

// Deep is the graph-expanded retriever: vector search seeds a set of
// chunks, query entities seed graph walks, and entities discovered on
// those walks pull in additional chunks.
type Deep struct {
	index   VectorSearcher
	store   *store.Store
	graph   PathFinder
	llm     EntityExtractor
	topK    int
	maxHops int
}

func NewDeep(index VectorSearcher, st *store.Store, g PathFinder, extractor EntityExtractor, topK, maxHops int) *Deep {
	if topK <= 0 {
		topK = 10
	}
	if maxHops < 0 {
		maxHops = 3
	}
	return &Deep{index: index, store: st, graph: g, llm: extractor, topK: topK, maxHops: maxHops}
}

const (
	maxContextPaths  = 5
	maxContextChunks = 10
	chunksPerEntity  = 2
)

// Retrieve runs the deep pipeline. topK <= 0 and maxHops < 0 use the
// configured defaults; maxHops == 0 disables graph expansion.
func (d *Deep) Retrieve(ctx context.Context, query string, topK, maxHops int) (*Result, error) {
	if topK <= 0 {
		topK = d.topK
	}
	if maxHops < 0 {
		maxHops = d.maxHops
	}

	res := &Result{
		Documents: map[string]store.Document{},
		Metadata:  Metadata{Mode: string(ModeDeep)},
	}

	hits, err := d.index.Search(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return res, nil
	}

	res.QueryEntities = d.queryEntities(ctx, query)

	// Hydrate the seed chunks and collect the entities they mention.
	chunkEntities := map[string]bool{} // lowercased names linked to seed chunks
	seenChunks := map[string]bool{}
	for _, h := range hits {
		chunk, err := d.store.GetChunk(ctx, h.ChunkID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hydrating chunk %s: %w", h.ChunkID, err)
		}
		res.Chunks = append(res.Chunks, ScoredChunk{
			Chunk: *chunk,
			Score: 1.0 / (1.0 + h.Distance),
		})
		seenChunks[chunk.ChunkID] = true

		linked, err := d.store.GetChunkEntities(ctx, chunk.ChunkID)
		if err != nil {
			return nil, fmt.Errorf("loading entities for chunk %s: %w", chunk.ChunkID, err)
		}
		for _, e := range linked {
			chunkEntities[strings.ToLower(e.Name)] = true
		}
	}

	// Walk the graph from each query entity.
	var pathEntityNames []string // encountered order
	pathEntitySeen := map[string]bool{}
	for _, name := range res.QueryEntities {
		for _, path := range d.graph.FindPaths(name, maxHops) {
			gp := GraphPath{Entities: path, Length: len(path)}
			for _, id := range path {
				nodeName, ok := d.graph.NodeName(id)
				if !ok {
					nodeName = id
				}
				gp.Names = append(gp.Names, nodeName)
				key := strings.ToLower(nodeName)
				if !pathEntitySeen[key] {
					pathEntitySeen[key] = true
					pathEntityNames = append(pathEntityNames, nodeName)
				}
			}
			res.GraphPaths = append(res.GraphPaths, gp)
		}
	}

	// Expansion set: path entities not already covered by the seed chunks.
	for _, name := range pathEntityNames {
		if chunkEntities[strings.ToLower(name)] {
			continue
		}
		res.ExpandedEntities = append(res.ExpandedEntities, name)

		entity, err := d.store.GetEntityByName(ctx, name)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving entity %q: %w", name, err)
		}
		extra, err := d.store.GetChunksForEntity(ctx, entity.EntityID, chunksPerEntity)
		if err != nil {
			return nil, fmt.Errorf("expanding entity %q: %w", name, err)
		}
		for _, chunk := range extra {
			if seenChunks[chunk.ChunkID] {
				continue
			}
			seenChunks[chunk.ChunkID] = true
			res.Chunks = append(res.Chunks, ScoredChunk{Chunk: chunk})
		}
	}

	// Hydrate documents for the full chunk list.
	for _, c := range res.Chunks {
		if _, ok := res.Documents[c.DocID]; ok {
			continue
		}
		doc, err := d.store.GetDocument(ctx, c.DocID)
		if err != nil {
			return nil, fmt.Errorf("hydrating document %s: %w", c.DocID, err)
		}
		res.Documents[c.DocID] = *doc
	}

	res.Context = d.assembleContext(res)
	res.Metadata.ChunksRetrieved = len(res.Chunks)
	res.Metadata.DocumentsUsed = len(res.Documents)
	res.Metadata.GraphPathsFound = len(res.GraphPaths)
	res.Metadata.EntitiesExpanded = len(res.ExpandedEntities)
	return res, nil
}

// queryEntities extracts entity names from the query, falling back to its
// long tokens when the LM call fails.
func (d *Deep) queryEntities(ctx context.Context, query string) []string {
	var names []string
	seen := map[string]bool{}
	add := func(name string) {
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			return
		}
		seen[key] = true
		names = append(names, name)
	}

	ext, err := d.llm.ExtractEntities(ctx, query)
	if err != nil {
		slog.Warn("retrieval: query entity extraction failed, using token fallback", "error", err)
		for _, tok := range strings.Fields(query) {
			tok = strings.Trim(tok, ".,!?;:\"'")
			if len(tok) > 3 {
				add(tok)
			}
		}
		return names
	}

	for _, e := range ext.Entities {
		add(e.Name)
	}
	return names
}

// assembleContext renders the three deep-mode sections: query entities,
// graph paths, and the retrieved chunks.
func (d *Deep) assembleContext(res *Result) string {
	if len(res.Chunks) == 0 {
		return ""
	}

	var sections []string
	if len(res.QueryEntities) > 0 {
		sections = append(sections, "Key Entities: "+strings.Join(res.QueryEntities, ", "))
	}

	if len(res.GraphPaths) > 0 {
		var sb strings.Builder
		sb.WriteString("Knowledge Graph Paths:")
		for i, p := range res.GraphPaths {
			if i >= maxContextPaths {
				break
			}
			sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, strings.Join(p.Names, " -> ")))
		}
		sections = append(sections, sb.String())
	}

	sections = append(sections, "Relevant Information:\n"+
		assembleContext(res.Chunks, res.Documents, maxContextChunks))
	return strings.Join(sections, "\n\n")
}
