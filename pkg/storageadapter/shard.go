package storageadapter

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// maxCountScan bounds how many keys a List call will enumerate to produce
// TotalCount; past this cap the count is reported as the cap itself rather
// than walking an unbounded key space on every first page.
const maxCountScan = 100_000

// ShardOf returns the two-hex-character shard for a UUID, taken from its
// first two hex digits once hyphens are stripped. Entity vector and
// metadata keys are sharded this way so that no single directory or
// prefix holds an unbounded number of objects.
func ShardOf(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) < 2 {
		return "00"
	}
	return strings.ToLower(clean[:2])
}

// ShardedVectorKey is the storage key for an entity's vector blob.
func ShardedVectorKey(id string) string {
	return "entities/nouns/vectors/" + ShardOf(id) + "/" + id
}

// ShardedMetadataKey is the storage key for an entity's metadata record.
func ShardedMetadataKey(id string) string {
	return "entities/nouns/metadata/" + ShardOf(id) + "/" + id
}

type cursorToken struct {
	Key string `json:"k"`
}

// encodeCursor packs the last key of a page into an opaque, URL-safe token.
func encodeCursor(lastKey string) string {
	if lastKey == "" {
		return ""
	}
	b, _ := json.Marshal(cursorToken{Key: lastKey})
	return base64.URLEncoding.EncodeToString(b)
}

// decodeCursor reverses encodeCursor. Callers must treat the cursor as
// opaque; a malformed token is reported, never silently ignored.
func decodeCursor(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("malformed cursor: %w", err)
	}
	var c cursorToken
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", fmt.Errorf("malformed cursor: %w", err)
	}
	return c.Key, nil
}

// paginate slices a full, sorted key list into one page honoring
// opts.Cursor and opts.Limit. Because keys are lexicographically sorted,
// sharded prefixes (e.g. vectors/ab/..., vectors/ac/...) come out in shard
// order automatically without any shard-aware logic here.
func paginate(sorted []string, opts ListOptions) (ListResult, error) {
	start := 0
	if opts.Cursor != "" {
		lastKey, err := decodeCursor(opts.Cursor)
		if err != nil {
			return ListResult{}, err
		}
		idx := sort.SearchStrings(sorted, lastKey)
		if idx < len(sorted) && sorted[idx] == lastKey {
			idx++
		}
		start = idx
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = len(sorted) - start
	}
	end := start + limit
	if end > len(sorted) {
		end = len(sorted)
	}
	if start > len(sorted) {
		start = len(sorted)
	}

	items := make([]string, end-start)
	copy(items, sorted[start:end])

	next := ""
	if end < len(sorted) {
		next = encodeCursor(sorted[end-1])
	}
	return ListResult{Items: items, NextCursor: next}, nil
}

// countCache memoizes the capped TotalCount for a prefix until the next
// write invalidates it, so repeated first-page Lists of an unchanged prefix
// reuse the cached value. Later pages (non-empty Cursor) do not consult it
// and carry no TotalCount.
type countCache struct {
	mu sync.Mutex
	m  map[string]int64
}

func newCountCache() *countCache {
	return &countCache{m: make(map[string]int64)}
}

func (c *countCache) get(prefix string, compute func() int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.m[prefix]; ok {
		return v
	}
	v := compute()
	c.m[prefix] = v
	return v
}

func (c *countCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]int64)
}

// cappedCount counts entries in sorted matching prefix, stopping at
// maxCountScan.
func cappedCount(sorted []string, prefix string) int64 {
	var n int64
	for _, k := range sorted {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		n++
		if n >= maxCountScan {
			return n
		}
	}
	return n
}
