package cortex

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/localbrain/cortex/pkg/entity"
	"github.com/localbrain/cortex/pkg/index/metadata"
	"github.com/localbrain/cortex/pkg/storageadapter"
	"github.com/localbrain/cortex/pkg/vfs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDim = 32

func newTestBrain(t *testing.T) *Brain {
	t.Helper()
	cfg := DefaultConfig("test")
	cfg.StorageBackend = BackendMemory
	cfg.VectorDim = testDim

	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// invariant 1: exact-vector search returns the entity itself at score ~1.
func TestAddThenSearchReturnsSelfAtTopScore(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	id, err := b.Add(ctx, entity.AddInput{Type: "Person", Data: "a quiet afternoon of writing go code"})
	require.NoError(t, err)

	full, err := b.Get(ctx, id, entity.GetOptions{IncludeVectors: true})
	require.NoError(t, err)

	hits, err := b.vectors.Search(full.Vector, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, id, hits[0].ID)
	require.GreaterOrEqual(t, hits[0].Score, 0.999)
}

// invariant 2: metadata-only read has an empty vector; include-vectors has dim D.
func TestGetVectorInclusionInvariant(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	id, err := b.Add(ctx, entity.AddInput{Type: "Person", Data: "someone"})
	require.NoError(t, err)

	metaOnly, err := b.Get(ctx, id, entity.GetOptions{})
	require.NoError(t, err)
	require.Empty(t, metaOnly.Vector)

	full, err := b.Get(ctx, id, entity.GetOptions{IncludeVectors: true})
	require.NoError(t, err)
	require.Len(t, full.Vector, testDim)
}

// invariant 3 / scenario c: clear() then a fresh Find sees nothing.
func TestClearThenFindIsEmpty(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	_, err := b.Add(ctx, entity.AddInput{Type: "concept", Data: "x"})
	require.NoError(t, err)

	require.NoError(t, b.Clear(ctx))

	results, _, err := b.Find(ctx, FindOptions{Type: "concept"})
	require.NoError(t, err)
	require.Empty(t, results)
}

// scenario c, continued: after clear, _cow/ has no remaining objects.
func TestClearWipesCowObjects(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	_, err := b.Commit(ctx, "m1", "tester")
	require.NoError(t, err)
	require.NoError(t, b.Clear(ctx))

	page, err := b.adapter.List(ctx, "_cow/", storageadapter.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

// invariant 6: round-trip add/get yields equal data and metadata.
func TestRoundTripAddGetPreservesDataAndMetadata(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	id, err := b.Add(ctx, entity.AddInput{Type: "Person", Data: "engineer", Metadata: map[string]any{"city": "Seattle"}})
	require.NoError(t, err)

	e, err := b.Get(ctx, id, entity.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "engineer", e.Data)
	require.Equal(t, "Seattle", e.Metadata["city"])
}

// invariant 7: repeated clear() is a no-op on the second call.
func TestClearIsIdempotent(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	require.NoError(t, b.Clear(ctx))
	require.NoError(t, b.Clear(ctx))
}

// invariant 8 / scenario 8: find excludes isVFS entities by default.
func TestFindExcludesVFSEntitiesByDefault(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	_, err := b.Add(ctx, entity.AddInput{Type: "Document", Data: "a real document"})
	require.NoError(t, err)
	require.NoError(t, b.WriteFile(ctx, "/notes/plan.txt", []byte("vfs-backed content")))

	results, _, err := b.Find(ctx, FindOptions{Type: "Document"})
	require.NoError(t, err)
	for _, r := range results {
		require.False(t, r.Entity.IsVFS)
	}

	withVFS, _, err := b.Find(ctx, FindOptions{Type: "File", IncludeVFS: true})
	require.NoError(t, err)
	require.NotEmpty(t, withVFS)
}

// scenario d: every entity vector key is stored under a two-char shard segment.
func TestVectorKeysAreSharded(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := b.Add(ctx, entity.AddInput{Type: "Thing", Data: fmt.Sprintf("item number %d", i)})
		require.NoError(t, err)
	}

	page, err := b.adapter.List(ctx, "entities/nouns/vectors/", storageadapter.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 10)
	for _, k := range page.Items {
		rest := strings.TrimPrefix(k, "entities/nouns/vectors/")
		require.Len(t, strings.SplitN(rest, "/", 2)[0], 2, "shard segment must be two hex chars: %s", k)
	}
}

// scenario a: commit() produces at least one key under the commit: prefix.
func TestCommitStoresCommitObject(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	hash, err := b.Commit(ctx, "m1", "tester")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	page, err := b.adapter.List(ctx, "_cow/", storageadapter.ListOptions{})
	require.NoError(t, err)

	found := false
	for _, k := range page.Items {
		if strings.Contains(k, "commit:"+hash) {
			found = true
		}
	}
	require.True(t, found)
}

// scenario b: historical VFS reads resolve through past commits.
func TestReadFileResolvesHistoricalVersions(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	before, err := b.Commit(ctx, "empty", "tester")
	require.NoError(t, err)

	require.NoError(t, b.WriteFile(ctx, "/a.txt", []byte("V1")))
	h1, err := b.Commit(ctx, "c1", "tester")
	require.NoError(t, err)

	require.NoError(t, b.WriteFile(ctx, "/a.txt", []byte("V2")))
	_, err = b.Commit(ctx, "c2", "tester")
	require.NoError(t, err)

	current, err := b.ReadFile(ctx, "/a.txt", vfs.ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, "V2", string(current))

	historical, err := b.ReadFile(ctx, "/a.txt", vfs.ReadOptions{CommitID: h1})
	require.NoError(t, err)
	require.Equal(t, "V1", string(historical))

	_, err = b.ReadFile(ctx, "/a.txt", vfs.ReadOptions{CommitID: before})
	require.ErrorIs(t, err, ErrNotFoundAtCommit)
}

// scenario f: a type-aware query ranks the lexically-closer type first.
func TestFindRanksTypeAwareQueryCorrectly(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()
	b.TypeInferer().RegisterKeywords("Person", "engineer", "engineers")

	personID, err := b.Add(ctx, entity.AddInput{Type: "Person", Data: "engineer who builds software systems"})
	require.NoError(t, err)
	_, err = b.Add(ctx, entity.AddInput{Type: "Document", Data: "invoice document with payment terms"})
	require.NoError(t, err)

	results, _, err := b.Find(ctx, FindOptions{Query: "looking for an engineer"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, personID, results[0].Entity.ID)
	require.Equal(t, "Person", results[0].Entity.Type)
}

// Similar fails with ErrMissingVector on a metadata-only entity (§9 Open Question).
func TestSimilarFailsWithoutVector(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	bareID, err := b.Add(ctx, entity.AddInput{Type: "Thing"})
	require.NoError(t, err)

	_, err = b.Similar(ctx, SimilarOptions{To: bareID})
	require.ErrorIs(t, err, ErrMissingVector)
}

func TestTripleSearchIntersectsWhereWithVectorSearch(t *testing.T) {
	b := newTestBrain(t)
	ctx := context.Background()

	_, err := b.Add(ctx, entity.AddInput{Type: "Product", Data: "wireless noise cancelling headphones", Metadata: map[string]any{"inStock": true}})
	require.NoError(t, err)
	outOfStockID, err := b.Add(ctx, entity.AddInput{Type: "Product", Data: "wireless noise cancelling headphones v2", Metadata: map[string]any{"inStock": false}})
	require.NoError(t, err)

	results, err := b.TripleSearch(ctx, TripleSearchOptions{
		Like:  "wireless noise cancelling headphones",
		Where: metadata.Query{Equals: map[string]any{"inStock": true}},
		Limit: 5,
	})
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, outOfStockID, r.Entity.ID)
	}
}
