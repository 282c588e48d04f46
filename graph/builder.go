package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"memorag/llm"
	"memorag/store"
)

// Builder runs LM entity extraction over chunk texts and records the
// results in both the store and the in-memory graph.
type Builder struct {
	store *store.Store
	llm   llm.Client
	graph *Graph
}

func NewBuilder(st *store.Store, client llm.Client, g *Graph) *Builder {
	return &Builder{store: st, llm: client, graph: g}
}

// ExtractAndAdd extracts entities and relations from one chunk text,
// deduplicates entities by (name, type), links them to the chunk, and adds
// everything to the graph. It returns the number of newly created entities
// and relations.
func (b *Builder) ExtractAndAdd(ctx context.Context, text, docID, chunkID string) (int, int, error) {
	ext, err := b.llm.ExtractEntities(ctx, text)
	if err != nil {
		return 0, 0, fmt.Errorf("extracting entities: %w", err)
	}

	entitiesAdded := 0
	// Names seen in this extraction, for resolving relation endpoints.
	byName := make(map[string]string, len(ext.Entities))

	for _, e := range ext.Entities {
		id, created, err := b.store.UpsertEntity(ctx, store.Entity{
			EntityID:   uuid.NewString(),
			Name:       e.Name,
			EntityType: e.Type,
		})
		if err != nil {
			return entitiesAdded, 0, fmt.Errorf("upserting entity %q: %w", e.Name, err)
		}
		if err := b.store.LinkEntityChunk(ctx, id, chunkID); err != nil {
			return entitiesAdded, 0, err
		}

		b.graph.AddNode(Node{ID: id, Name: e.Name, EntityType: e.Type})
		byName[strings.ToLower(e.Name)] = id
		if created {
			entitiesAdded++
		}
	}

	relationsAdded := 0
	for _, r := range ext.Relations {
		sourceID, ok := b.resolveEndpoint(ctx, byName, r.Source)
		if !ok {
			slog.Debug("graph: dropping relation with unknown source",
				"source", r.Source, "doc_id", docID)
			continue
		}
		targetID, ok := b.resolveEndpoint(ctx, byName, r.Target)
		if !ok {
			slog.Debug("graph: dropping relation with unknown target",
				"target", r.Target, "doc_id", docID)
			continue
		}

		if _, err := b.store.InsertRelation(ctx, store.Relation{
			SourceEntityID: sourceID,
			TargetEntityID: targetID,
			RelationType:   r.Label,
			Confidence:     r.Confidence,
			SourceChunkID:  chunkID,
		}); err != nil {
			return entitiesAdded, relationsAdded, fmt.Errorf("inserting relation: %w", err)
		}

		b.graph.AddEdge(sourceID, targetID, r.Label)
		relationsAdded++
	}

	return entitiesAdded, relationsAdded, nil
}

// resolveEndpoint maps a relation endpoint name to an entity id, preferring
// entities from the current extraction, falling back to the store.
func (b *Builder) resolveEndpoint(ctx context.Context, byName map[string]string, name string) (string, bool) {
	if id, ok := byName[strings.ToLower(name)]; ok {
		return id, true
	}
	e, err := b.store.GetEntityByName(ctx, name)
	if err != nil {
		return "", false
	}
	return e.EntityID, true
}
