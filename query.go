package cortex

import (
	"context"
	"sort"

	"github.com/localbrain/cortex/pkg/entity"
	"github.com/localbrain/cortex/pkg/index/metadata"
	"github.com/localbrain/cortex/pkg/typeinfer"
)

// FindOptions is the payload for Find (§6 "Query interface").
type FindOptions struct {
	Query      string
	Type       string
	Where      metadata.Query
	IncludeVFS bool
	Limit      int
	Cursor     string
}

// FindResult is one hit from Find, Similar, or TripleSearch. Score is 0
// for a metadata-only match (no vector search was performed).
type FindResult struct {
	Entity *entity.Entity
	Score  float64
}

const defaultFindLimit = 100

// Find implements §6's entity search: with Query present it runs a vector
// search (inferring candidate types when Type is absent) and intersects
// the hits with Where; with only Where present it uses the metadata index
// alone. VFS entities (isVFS: true) are excluded by default (§4.8), unless
// IncludeVFS is set or Where itself selects isVFS: true.
func (b *Brain) Find(ctx context.Context, opts FindOptions) ([]FindResult, string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, "", err
	}

	var candidates []FindResult
	var whereAlreadyApplied bool

	if opts.Query != "" {
		vec, err := b.embedder.Embed(ctx, opts.Query)
		if err != nil {
			return nil, "", wrapError("find", err)
		}

		var types []string
		if opts.Type != "" {
			types = []string{opts.Type}
		} else if b.types != nil {
			if inferred, infErr := b.types.InferTypes(ctx, opts.Query, typeinfer.Options{}); infErr == nil {
				for _, r := range inferred {
					types = append(types, r.Type)
				}
			}
		}

		k := opts.Limit
		if k <= 0 {
			k = defaultFindLimit
		}
		hits, err := b.vectors.Search(vec, k, 0, types)
		if err != nil {
			return nil, "", wrapError("find", translateErr(err))
		}
		for _, h := range hits {
			candidates = append(candidates, FindResult{Score: h.Score, Entity: &entity.Entity{ID: h.ID}})
		}
	} else {
		where := opts.Where
		if opts.Type != "" {
			where.Equals = mergeEquals(where.Equals, "type", opts.Type)
		}
		for _, id := range b.fields.Query(where) {
			candidates = append(candidates, FindResult{Entity: &entity.Entity{ID: id}})
		}
		whereAlreadyApplied = true
	}

	var whereIDs map[string]bool
	if !whereAlreadyApplied && (len(opts.Where.Equals) > 0 || len(opts.Where.Range) > 0) {
		set := b.fields.Query(opts.Where)
		whereIDs = make(map[string]bool, len(set))
		for _, id := range set {
			whereIDs[id] = true
		}
	}
	allowVFS := opts.IncludeVFS || boolEquals(opts.Where.Equals, "isVFS")

	out := make([]FindResult, 0, len(candidates))
	for _, c := range candidates {
		e, err := b.entities.Get(ctx, c.Entity.ID, entity.GetOptions{})
		if err != nil {
			continue // raced with a delete between the index hit and the hydrate
		}
		if e.IsVFS && !allowVFS {
			continue
		}
		if whereIDs != nil && !whereIDs[c.Entity.ID] {
			continue
		}
		c.Entity = e
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})

	return paginate(out, opts.Limit, opts.Cursor)
}

// SimilarOptions is the payload for Similar.
type SimilarOptions struct {
	To    string // entity id; must have a full vector
	Limit int
}

// Similar implements §6's similar: a nearest-neighbor search against an
// existing entity's own vector, resolved per §9's Open Question as "fail
// with MissingVector" for a metadata-only entity.
func (b *Brain) Similar(ctx context.Context, opts SimilarOptions) ([]FindResult, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	e, err := b.entities.Get(ctx, opts.To, entity.GetOptions{IncludeVectors: true})
	if err != nil {
		return nil, wrapError("similar", translateErr(err))
	}
	if len(e.Vector) == 0 {
		return nil, wrapError("similar", ErrMissingVector)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	hits, err := b.vectors.Search(e.Vector, limit+1, 0, nil)
	if err != nil {
		return nil, wrapError("similar", translateErr(err))
	}

	out := make([]FindResult, 0, limit)
	for _, h := range hits {
		if h.ID == opts.To {
			continue
		}
		full, err := b.entities.Get(ctx, h.ID, entity.GetOptions{})
		if err != nil {
			continue
		}
		out = append(out, FindResult{Entity: full, Score: h.Score})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// TripleSearchOptions is the payload for TripleSearch.
type TripleSearchOptions struct {
	Like  string
	Where metadata.Query
	Limit int
}

// TripleSearch implements §6's triple.search: a vector search over Like
// intersected with Where's metadata filters (including range operators).
func (b *Brain) TripleSearch(ctx context.Context, opts TripleSearchOptions) ([]FindResult, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	vec, err := b.embedder.Embed(ctx, opts.Like)
	if err != nil {
		return nil, wrapError("triple_search", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	// Overfetch before intersecting Where, since the metadata filter may
	// reject some of the nearest vector hits.
	hits, err := b.vectors.Search(vec, limit*4+10, 0, nil)
	if err != nil {
		return nil, wrapError("triple_search", translateErr(err))
	}

	var whereIDs map[string]bool
	if len(opts.Where.Equals) > 0 || len(opts.Where.Range) > 0 {
		set := b.fields.Query(opts.Where)
		whereIDs = make(map[string]bool, len(set))
		for _, id := range set {
			whereIDs[id] = true
		}
	}

	out := make([]FindResult, 0, limit)
	for _, h := range hits {
		if whereIDs != nil && !whereIDs[h.ID] {
			continue
		}
		e, err := b.entities.Get(ctx, h.ID, entity.GetOptions{})
		if err != nil {
			continue
		}
		out = append(out, FindResult{Entity: e, Score: h.Score})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func mergeEquals(equals map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(equals)+1)
	for k, v := range equals {
		out[k] = v
	}
	out[key] = value
	return out
}

func boolEquals(equals map[string]any, key string) bool {
	v, ok := equals[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// paginate slices sorted results starting after cursor (an entity id),
// honoring limit <= 0 as "no bound", and returns the next page's cursor.
func paginate(results []FindResult, limit int, cursor string) ([]FindResult, string, error) {
	start := 0
	if cursor != "" {
		for i, r := range results {
			if r.Entity.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start > len(results) {
		start = len(results)
	}

	end := len(results)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	page := results[start:end]
	next := ""
	if end < len(results) {
		next = results[end-1].Entity.ID
	}
	return page, next, nil
}
