// Package graphidx implements the graph adjacency index of §4.7: outgoing
// and incoming relation lookups keyed by (entity, verb type), and a
// depth-bounded BFS traversal over them.
package graphidx

import (
	"sort"
	"sync"

	roaring "github.com/RoaringBitmap/roaring/v2"

	"github.com/localbrain/cortex/pkg/index/idmap"
)

// Relation is one edge of the graph (§3 Relation / Verb).
type Relation struct {
	ID       string
	From     string
	To       string
	Type     string
	Metadata map[string]any
}

// Index is the graph adjacency index: two Roaring-bitmap-backed selector
// structures (outgoing by from+type, incoming by to+type) over a
// relations store, so GetRelations and Traverse resolve without scanning
// every relation in the store.
type Index struct {
	mu sync.RWMutex

	entityIDs *idmap.Map
	verbIDs   *idmap.Map

	relations map[uint32]Relation

	outgoing map[uint32]map[string]*roaring.Bitmap // fromID -> type -> verb dense ids
	incoming map[uint32]map[string]*roaring.Bitmap // toID -> type -> verb dense ids
}

// New builds an empty Index sharing entityIDs with other components that
// need the same UUID<->uint32 mapping (e.g. the metadata index).
func New(entityIDs *idmap.Map) *Index {
	return &Index{
		entityIDs: entityIDs,
		verbIDs:   idmap.New(),
		relations: make(map[uint32]Relation),
		outgoing:  make(map[uint32]map[string]*roaring.Bitmap),
		incoming:  make(map[uint32]map[string]*roaring.Bitmap),
	}
}

// Link records rel in both adjacency directions.
func (ix *Index) Link(rel Relation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	verbID := ix.verbIDs.IDFor(rel.ID)
	fromID := ix.entityIDs.IDFor(rel.From)
	toID := ix.entityIDs.IDFor(rel.To)

	ix.relations[verbID] = rel
	addTo(ix.outgoing, fromID, rel.Type, verbID)
	addTo(ix.incoming, toID, rel.Type, verbID)
}

// Unlink removes relationID from both adjacency directions.
func (ix *Index) Unlink(relationID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	verbID, ok := ix.verbIDs.Lookup(relationID)
	if !ok {
		return
	}
	rel, ok := ix.relations[verbID]
	if !ok {
		return
	}

	if fromID, ok := ix.entityIDs.Lookup(rel.From); ok {
		removeFrom(ix.outgoing, fromID, rel.Type, verbID)
	}
	if toID, ok := ix.entityIDs.Lookup(rel.To); ok {
		removeFrom(ix.incoming, toID, rel.Type, verbID)
	}

	delete(ix.relations, verbID)
	ix.verbIDs.Delete(relationID)
}

func addTo(m map[uint32]map[string]*roaring.Bitmap, id uint32, typ string, verbID uint32) {
	byType, ok := m[id]
	if !ok {
		byType = make(map[string]*roaring.Bitmap)
		m[id] = byType
	}
	bm, ok := byType[typ]
	if !ok {
		bm = roaring.New()
		byType[typ] = bm
	}
	bm.Add(verbID)
}

func removeFrom(m map[uint32]map[string]*roaring.Bitmap, id uint32, typ string, verbID uint32) {
	if byType, ok := m[id]; ok {
		if bm, ok := byType[typ]; ok {
			bm.Remove(verbID)
		}
	}
}

// Query filters relations by the given optional constraints; zero-value
// fields are wildcards.
type Query struct {
	From string
	To   string
	Type string
}

// GetRelations intersects the applicable adjacency lists for q.
func (ix *Index) GetRelations(q Query) []Relation {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var candidate *roaring.Bitmap
	haveFilter := false

	if q.From != "" {
		haveFilter = true
		fromID, ok := ix.entityIDs.Lookup(q.From)
		if !ok {
			return []Relation{}
		}
		candidate = unionOrType(ix.outgoing[fromID], q.Type)
	}

	if q.To != "" {
		haveFilter = true
		toID, ok := ix.entityIDs.Lookup(q.To)
		if !ok {
			return []Relation{}
		}
		bm := unionOrType(ix.incoming[toID], q.Type)
		if candidate == nil {
			candidate = bm
		} else {
			candidate = candidate.Clone()
			candidate.And(bm)
		}
	}

	if !haveFilter {
		out := make([]Relation, 0)
		for _, rel := range ix.relations {
			if q.Type == "" || rel.Type == q.Type {
				out = append(out, rel)
			}
		}
		sortRelations(out)
		return out
	}

	out := make([]Relation, 0, candidate.GetCardinality())
	it := candidate.Iterator()
	for it.HasNext() {
		if rel, ok := ix.relations[it.Next()]; ok {
			out = append(out, rel)
		}
	}
	sortRelations(out)
	return out
}

func unionOrType(byType map[string]*roaring.Bitmap, typ string) *roaring.Bitmap {
	if byType == nil {
		return roaring.New()
	}
	if typ != "" {
		if bm, ok := byType[typ]; ok {
			return bm.Clone()
		}
		return roaring.New()
	}
	result := roaring.New()
	for _, bm := range byType {
		result.Or(bm)
	}
	return result
}

func sortRelations(rels []Relation) {
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
}

// Traverse performs a breadth-first walk outward from start along
// outgoing edges, bounded by maxDepth (0 returns just start). The
// returned slice is in discovery order with no duplicates.
func (ix *Index) Traverse(start string, maxDepth int) []string {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	order := []string{start}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, rel := range ix.GetRelations(Query{From: id}) {
				if !visited[rel.To] {
					visited[rel.To] = true
					next = append(next, rel.To)
					order = append(order, rel.To)
				}
			}
		}
		frontier = next
	}
	return order
}

// Reset discards every relation, used by Clear (§4.9).
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.verbIDs.Reset()
	ix.relations = make(map[uint32]Relation)
	ix.outgoing = make(map[uint32]map[string]*roaring.Bitmap)
	ix.incoming = make(map[uint32]map[string]*roaring.Bitmap)
}
