// Package hnsw implements the type-partitioned vector index of §4.5: one
// Hierarchical Navigable Small World sub-graph per entity NounType, cosine
// similarity search, and tombstoning delete.
package hnsw

import (
	"fmt"
	"sync"
)

// Params are the HNSW construction parameters (§4.5 defaults: M=16,
// efConstruction=200, efSearch=50).
type Params struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultParams returns the spec's default parameters.
func DefaultParams() Params {
	return Params{M: 16, EfConstruction: 200, EfSearch: 50}
}

// Result is one scored hit from Search.
type Result struct {
	ID    string
	Score float64
}

// Index is the type-aware HNSW variant: each entity type maintains its own
// independent sub-graph, so a type-scoped query only walks that type's
// graph, while an untyped query walks every sub-graph and merges by score.
type Index struct {
	params Params

	mu     sync.RWMutex
	graphs map[string]*graph
}

// New builds an empty, type-partitioned Index.
func New(params Params) *Index {
	return &Index{params: params, graphs: make(map[string]*graph)}
}

func (ix *Index) graphFor(nounType string) *graph {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	g, ok := ix.graphs[nounType]
	if !ok {
		g = newGraph(ix.params.M, ix.params.EfConstruction)
		ix.graphs[nounType] = g
	}
	return g
}

// Insert assigns id a layer by exponential distribution and links it to up
// to M nearest neighbors in each upper layer of nounType's sub-graph, and to
// up to 2*M in layer 0.
func (ix *Index) Insert(id string, vector []float32, nounType string) error {
	return ix.graphFor(nounType).insert(id, vector)
}

// Search returns up to k nearest neighbors of vector. When types is
// non-empty, only those sub-graphs are consulted (the fast path); an empty
// types searches every sub-graph and merges results by score. ef <= 0
// falls back to Params.EfSearch.
func (ix *Index) Search(vector []float32, k int, ef int, types []string) ([]Result, error) {
	if ef <= 0 {
		ef = ix.params.EfSearch
	}
	if k <= 0 {
		return []Result{}, nil
	}

	ix.mu.RLock()
	var targets []*graph
	if len(types) == 0 {
		targets = make([]*graph, 0, len(ix.graphs))
		for _, g := range ix.graphs {
			targets = append(targets, g)
		}
	} else {
		for _, t := range types {
			if g, ok := ix.graphs[t]; ok {
				targets = append(targets, g)
			}
		}
	}
	ix.mu.RUnlock()

	var merged []searchResult
	for _, g := range targets {
		res, err := g.search(vector, k, ef)
		if err != nil {
			return nil, fmt.Errorf("hnsw: search: %w", err)
		}
		merged = append(merged, res...)
	}

	sortResultsDesc(merged)
	if len(merged) > k {
		merged = merged[:k]
	}

	out := make([]Result, len(merged))
	for i, r := range merged {
		out[i] = Result{ID: r.id, Score: r.score}
	}
	return out, nil
}

// Delete tombstones id within nounType's sub-graph.
func (ix *Index) Delete(id string, nounType string) error {
	ix.mu.RLock()
	g, ok := ix.graphs[nounType]
	ix.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hnsw: node %s not found in type %s", id, nounType)
	}
	return g.delete(id)
}

// Size returns the number of live (non-tombstoned) vectors across every
// type's sub-graph.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	total := 0
	for _, g := range ix.graphs {
		total += g.size()
	}
	return total
}

// Reset discards every sub-graph, used by Clear (§4.9).
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.graphs = make(map[string]*graph)
}
