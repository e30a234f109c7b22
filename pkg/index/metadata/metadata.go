// Package metadata implements the per-field inverted index of §4.6: dotted
// path flattening, roaring-bitmap posting lists keyed by (field, value),
// and sorted numeric buckets for range queries.
package metadata

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"

	roaring "github.com/RoaringBitmap/roaring/v2"

	"github.com/localbrain/cortex/internal/encoding"
	"github.com/localbrain/cortex/pkg/index/idmap"
	"github.com/localbrain/cortex/pkg/storageadapter"
)

// excludedFieldNames are never indexed at any nesting depth (§4.6).
var excludedFieldNames = map[string]bool{"vector": true, "embedding": true, "embeddings": true}

// maxIndexableArrayLength bounds which arrays get indexed; longer arrays
// are bulk data and are skipped entirely.
const maxIndexableArrayLength = 10

// numChunkBuckets bounds how many on-disk chunk files one field's posting
// lists are spread across (§4.6 "chunked on-disk layout").
const numChunkBuckets = 16

type postingEntry struct {
	valueKey string
	numeric  *float64
	ids      *roaring.Bitmap
}

type fieldIndex struct {
	entries       map[string]*postingEntry // valueKey -> entry
	numericSorted []*postingEntry          // ascending by *numeric, for range queries
}

func newFieldIndex() *fieldIndex {
	return &fieldIndex{entries: make(map[string]*postingEntry)}
}

// Range is an optional greaterThan/lessThan numeric bound.
type Range struct {
	GreaterThan *float64
	LessThan    *float64
}

// Query is a conjunction of equality and range constraints. Fields that
// were never indexed, or constraint values of an unsupported type,
// contribute "no matches" and "ignored" respectively — never a silent
// reinterpretation of the constraint (§4.6 "unknown operators are
// ignored... never silently transformed").
type Query struct {
	Equals map[string]any
	Range  map[string]Range
}

// Index is the metadata inverted index.
type Index struct {
	mu         sync.RWMutex
	ids        *idmap.Map
	fields     map[string]*fieldIndex
	membership map[string]map[string]bool // uuid -> set of "field\x00valueKey", so re-index/remove can undo prior entries
}

// New builds an empty Index. ids is shared with other components (e.g. the
// graph index) that need the same UUID<->uint32 mapping.
func New(ids *idmap.Map) *Index {
	return &Index{ids: ids, fields: make(map[string]*fieldIndex), membership: make(map[string]map[string]bool)}
}

// IndexEntity (re)indexes data's scalar leaf fields under uuid, replacing
// any prior indexing for uuid first so repeated calls behave like an
// upsert rather than an accumulation.
func (ix *Index) IndexEntity(uuid string, data map[string]any) {
	id := ix.ids.IDFor(uuid)

	flat := make(map[string][]any)
	flatten("", data, flat)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(uuid, id)

	membership := make(map[string]bool)
	for field, values := range flat {
		fi, ok := ix.fields[field]
		if !ok {
			fi = newFieldIndex()
			ix.fields[field] = fi
		}
		for _, v := range values {
			key, numeric, ok := valueKey(v)
			if !ok {
				continue
			}
			entry, exists := fi.entries[key]
			if !exists {
				entry = &postingEntry{valueKey: key, numeric: numeric, ids: roaring.New()}
				fi.entries[key] = entry
				if numeric != nil {
					fi.numericSorted = insertSorted(fi.numericSorted, entry)
				}
			}
			entry.ids.Add(id)
			membership[field+"\x00"+key] = true
		}
	}
	ix.membership[uuid] = membership
}

// RemoveEntity deletes uuid from every posting list it participates in.
func (ix *Index) RemoveEntity(uuid string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	id, ok := ix.ids.Lookup(uuid)
	if !ok {
		return
	}
	ix.removeLocked(uuid, id)
}

func (ix *Index) removeLocked(uuid string, id uint32) {
	prev, ok := ix.membership[uuid]
	if !ok {
		return
	}
	for token := range prev {
		parts := strings.SplitN(token, "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		fi, ok := ix.fields[parts[0]]
		if !ok {
			continue
		}
		if entry, ok := fi.entries[parts[1]]; ok {
			entry.ids.Remove(id)
		}
	}
	delete(ix.membership, uuid)
}

// Query intersects equality and range constraints, returning matching
// UUIDs sorted for determinism.
func (ix *Index) Query(q Query) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var result *roaring.Bitmap
	intersect := func(bm *roaring.Bitmap) {
		if result == nil {
			result = bm.Clone()
		} else {
			result.And(bm)
		}
	}

	for field, v := range q.Equals {
		fi, ok := ix.fields[field]
		if !ok {
			result = roaring.New()
			continue
		}
		key, _, ok := valueKey(v)
		if !ok {
			continue // unsupported constraint value type: ignored, not an error
		}
		entry, exists := fi.entries[key]
		if !exists {
			result = roaring.New()
			continue
		}
		intersect(entry.ids)
	}

	for field, r := range q.Range {
		fi, ok := ix.fields[field]
		if !ok {
			result = roaring.New()
			continue
		}
		bm := roaring.New()
		for _, entry := range fi.numericSorted {
			if r.GreaterThan != nil && !(*entry.numeric > *r.GreaterThan) {
				continue
			}
			if r.LessThan != nil && !(*entry.numeric < *r.LessThan) {
				continue
			}
			bm.Or(entry.ids)
		}
		intersect(bm)
	}

	if result == nil {
		return []string{}
	}

	out := make([]string, 0, result.GetCardinality())
	it := result.Iterator()
	for it.HasNext() {
		if uuid, ok := ix.ids.UUIDFor(it.Next()); ok {
			out = append(out, uuid)
		}
	}
	sort.Strings(out)
	return out
}

// Reset discards every posting list, used by Clear (§4.9).
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.fields = make(map[string]*fieldIndex)
	ix.membership = make(map[string]map[string]bool)
}

func insertSorted(list []*postingEntry, e *postingEntry) []*postingEntry {
	idx := sort.Search(len(list), func(i int) bool { return *list[i].numeric >= *e.numeric })
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = e
	return list
}

// flatten walks data, appending every non-excluded scalar leaf value
// (including array elements, but only for arrays of length <=
// maxIndexableArrayLength) to out, keyed by its dotted field path.
func flatten(prefix string, value any, out map[string][]any) {
	switch v := value.(type) {
	case map[string]any:
		for k, nested := range v {
			if excludedFieldNames[strings.ToLower(k)] {
				continue
			}
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			flatten(name, nested, out)
		}
	case []any:
		if len(v) > maxIndexableArrayLength {
			return
		}
		for _, elem := range v {
			flatten(prefix, elem, out)
		}
	case nil:
		// null/undefined: skip
	case string, bool:
		if prefix != "" {
			out[prefix] = append(out[prefix], v)
		}
	default:
		if _, ok := toFloat64(v); ok && prefix != "" {
			out[prefix] = append(out[prefix], v)
		}
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func valueKey(v any) (key string, numeric *float64, ok bool) {
	switch t := v.(type) {
	case string:
		return "s:" + t, nil, true
	case bool:
		if t {
			return "b:true", nil, true
		}
		return "b:false", nil, true
	default:
		f, isNum := toFloat64(v)
		if !isNum {
			return "", nil, false
		}
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64), &f, true
	}
}

type chunkEntry struct {
	Value   string   `json:"value"`
	Numeric *float64 `json:"numeric,omitempty"`
	IDs     []uint32 `json:"ids"`
}

type chunkDoc struct {
	Field   string       `json:"field"`
	Entries []chunkEntry `json:"entries"`
}

func bucketFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % numChunkBuckets)
}

func chunkKey(field string, bucket int) string {
	return fmt.Sprintf("_system/__chunk__%s__%d", field, bucket)
}

// Flush persists every field's posting lists to bucketed chunk objects,
// bounding single-chunk size per §4.6's chunked on-disk layout.
func (ix *Index) Flush(ctx context.Context, adapter storageadapter.Adapter) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for field, fi := range ix.fields {
		perBucket := make(map[int][]chunkEntry)
		for key, entry := range fi.entries {
			b := bucketFor(key)
			ids := make([]uint32, 0, entry.ids.GetCardinality())
			it := entry.ids.Iterator()
			for it.HasNext() {
				ids = append(ids, it.Next())
			}
			perBucket[b] = append(perBucket[b], chunkEntry{Value: key, Numeric: entry.numeric, IDs: ids})
		}
		for b, entries := range perBucket {
			data, err := encoding.EncodeJSON(chunkDoc{Field: field, Entries: entries})
			if err != nil {
				return fmt.Errorf("metadata: encode chunk %s/%d: %w", field, b, err)
			}
			if err := adapter.Put(ctx, chunkKey(field, b), data); err != nil {
				return fmt.Errorf("metadata: write chunk %s: %w", chunkKey(field, b), err)
			}
		}
	}
	return nil
}

// Load reconstructs the in-memory index from chunks previously written by
// Flush. The shared idmap must already hold every UUID referenced by the
// chunks (entity reload order: idmap/entities before metadata.Load).
func (ix *Index) Load(ctx context.Context, adapter storageadapter.Adapter) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.fields = make(map[string]*fieldIndex)
	ix.membership = make(map[string]map[string]bool)

	for cursor := ""; ; {
		page, err := adapter.List(ctx, "_system/__chunk__", storageadapter.ListOptions{Limit: 256, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("metadata: list chunks: %w", err)
		}
		for _, k := range page.Items {
			data, err := adapter.Get(ctx, k)
			if err != nil {
				return fmt.Errorf("metadata: read chunk %s: %w", k, err)
			}
			var doc chunkDoc
			if err := encoding.DecodeJSON(data, &doc); err != nil {
				return fmt.Errorf("metadata: decode chunk %s: %w", k, err)
			}
			fi, ok := ix.fields[doc.Field]
			if !ok {
				fi = newFieldIndex()
				ix.fields[doc.Field] = fi
			}
			for _, e := range doc.Entries {
				bm := roaring.New()
				bm.AddMany(e.IDs)
				entry := &postingEntry{valueKey: e.Value, numeric: e.Numeric, ids: bm}
				fi.entries[e.Value] = entry
				if e.Numeric != nil {
					fi.numericSorted = insertSorted(fi.numericSorted, entry)
				}
				for _, id := range e.IDs {
					if uuid, ok := ix.ids.UUIDFor(id); ok {
						if ix.membership[uuid] == nil {
							ix.membership[uuid] = make(map[string]bool)
						}
						ix.membership[uuid][doc.Field+"\x00"+e.Value] = true
					}
				}
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return nil
}
