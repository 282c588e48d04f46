// Package graph maintains the in-memory knowledge graph over extracted
// entities and relations. The graph is rebuilt from the store at startup
// and kept in sync as ingestion adds entities.
package graph

import (
	"context"
	"strings"
	"sync"

	"memorag/store"
)

// Node is one entity in the graph.
type Node struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
}

// Direction selects which edges Neighbors follows.
type Direction int

const (
	DirOut Direction = iota
	DirIn
	DirBoth
)

type neighbor struct {
	id    string
	label string
	out   bool
}

// Graph is safe for concurrent use. Reads take a shared lock; loading and
// mutation take the exclusive lock.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	byName   map[string]string // lowercased name -> id, first writer wins
	adj      map[string][]neighbor
	edges    int
	maxPaths int
}

// New creates an empty graph. maxPaths bounds FindPaths enumeration and
// defaults to 32.
func New(maxPaths int) *Graph {
	if maxPaths <= 0 {
		maxPaths = 32
	}
	return &Graph{
		nodes:    make(map[string]*Node),
		byName:   make(map[string]string),
		adj:      make(map[string][]neighbor),
		maxPaths: maxPaths,
	}
}

// Load replaces the graph contents with the store's entities and relations.
func (g *Graph) Load(ctx context.Context, st *store.Store) error {
	entities, err := st.AllEntities(ctx)
	if err != nil {
		return err
	}
	relations, err := st.AllRelations(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*Node, len(entities))
	g.byName = make(map[string]string, len(entities))
	g.adj = make(map[string][]neighbor, len(entities))
	g.edges = 0

	for _, e := range entities {
		g.addNodeLocked(Node{ID: e.EntityID, Name: e.Name, EntityType: e.EntityType})
	}
	for _, r := range relations {
		g.addEdgeLocked(r.SourceEntityID, r.TargetEntityID, r.RelationType)
	}
	return nil
}

// AddNode inserts the node if its id is new.
func (g *Graph) AddNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNodeLocked(n)
}

func (g *Graph) addNodeLocked(n Node) {
	if _, ok := g.nodes[n.ID]; ok {
		return
	}
	g.nodes[n.ID] = &n
	key := strings.ToLower(n.Name)
	if _, ok := g.byName[key]; !ok {
		g.byName[key] = n.ID
	}
}

// AddEdge inserts a directed edge. Edges referencing unknown nodes are
// dropped.
func (g *Graph) AddEdge(sourceID, targetID, label string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEdgeLocked(sourceID, targetID, label)
}

func (g *Graph) addEdgeLocked(sourceID, targetID, label string) {
	if _, ok := g.nodes[sourceID]; !ok {
		return
	}
	if _, ok := g.nodes[targetID]; !ok {
		return
	}
	g.adj[sourceID] = append(g.adj[sourceID], neighbor{id: targetID, label: label, out: true})
	g.adj[targetID] = append(g.adj[targetID], neighbor{id: sourceID, label: label, out: false})
	g.edges++
}

// GetNode returns the node by id.
func (g *Graph) GetNode(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// NodeName returns the display name for an entity id.
func (g *Graph) NodeName(id string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return n.Name, true
}

// Resolve maps an entity name (case-insensitive) or id to a node id.
func (g *Graph) Resolve(nameOrID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[nameOrID]; ok {
		return nameOrID, true
	}
	id, ok := g.byName[strings.ToLower(nameOrID)]
	return id, ok
}

// Neighbors returns adjacent node ids in edge insertion order.
func (g *Graph) Neighbors(id string, dir Direction) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, nb := range g.adj[id] {
		switch dir {
		case DirOut:
			if !nb.out {
				continue
			}
		case DirIn:
			if nb.out {
				continue
			}
		}
		out = append(out, nb.id)
	}
	return out
}

// FindPaths enumerates simple paths starting at the given entity name or
// id, expanding edges in both directions, with at most maxHops edges per
// path. Enumeration is breadth-first so shorter paths come first, capped at
// the configured path limit. An unknown start or maxHops <= 0 yields nil.
func (g *Graph) FindPaths(start string, maxHops int) [][]string {
	if maxHops <= 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	id := start
	if _, ok := g.nodes[id]; !ok {
		var found bool
		id, found = g.byName[strings.ToLower(start)]
		if !found {
			return nil
		}
	}

	var paths [][]string
	queue := [][]string{{id}}

	for len(queue) > 0 && len(paths) < g.maxPaths {
		path := queue[0]
		queue = queue[1:]

		// A path of n nodes has n-1 edges; stop extending at maxHops edges.
		if len(path) > maxHops {
			continue
		}

		last := path[len(path)-1]
		for _, nb := range g.adj[last] {
			if containsID(path, nb.id) {
				continue
			}
			next := make([]string, len(path), len(path)+1)
			copy(next, path)
			next = append(next, nb.id)
			paths = append(paths, next)
			if len(paths) >= g.maxPaths {
				break
			}
			queue = append(queue, next)
		}
	}
	return paths
}

func containsID(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

// Stats returns node and edge counts.
func (g *Graph) Stats() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), g.edges
}
