package vfs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/localbrain/cortex/pkg/cow"
	"github.com/localbrain/cortex/pkg/entity"
	"github.com/localbrain/cortex/pkg/index/graphidx"
	"github.com/localbrain/cortex/pkg/index/hnsw"
	"github.com/localbrain/cortex/pkg/index/idmap"
	"github.com/localbrain/cortex/pkg/index/metadata"
	"github.com/localbrain/cortex/pkg/storageadapter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestVFS(t *testing.T) (*VFS, *entity.Store, *cow.Repository) {
	t.Helper()
	ctx := context.Background()
	adapter := storageadapter.NewMemoryAdapter()
	repo, err := cow.Open(ctx, adapter, 0, false, 0)
	require.NoError(t, err)

	ids := idmap.New()
	graph := graphidx.New(ids)
	entities := entity.New(adapter, repo, hnsw.New(hnsw.DefaultParams()), metadata.New(ids), graph, nil, 0, nil)

	return New(entities, repo, graph), entities, repo
}

func TestWriteFileThenReadFileRoundTrip(t *testing.T) {
	v, _, _ := newTestVFS(t)
	ctx := context.Background()

	require.NoError(t, v.WriteFile(ctx, "/docs/a.txt", []byte("hello")))

	data, err := v.ReadFile(ctx, "/docs/a.txt", ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestWriteFileCreatesMissingParentDirectories(t *testing.T) {
	v, _, _ := newTestVFS(t)
	ctx := context.Background()

	require.NoError(t, v.WriteFile(ctx, "/a/b/c/file.txt", []byte("x")))

	ok, err := v.Exists(ctx, "/a/b/c", ExistsOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	st, err := v.Stat(ctx, "/a/b/c", StatOptions{})
	require.NoError(t, err)
	require.Equal(t, KindDirectory, st.Kind)
}

func TestMkdirNonRecursiveFailsOnMissingIntermediate(t *testing.T) {
	v, _, _ := newTestVFS(t)
	ctx := context.Background()

	err := v.Mkdir(ctx, "/a/b", false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMkdirNonRecursiveSucceedsWhenParentExists(t *testing.T) {
	v, _, _ := newTestVFS(t)
	ctx := context.Background()

	require.NoError(t, v.Mkdir(ctx, "/a", true))
	require.NoError(t, v.Mkdir(ctx, "/a/b", false))

	ok, err := v.Exists(ctx, "/a/b", ExistsOptions{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReaddirListsChildrenSorted(t *testing.T) {
	v, _, _ := newTestVFS(t)
	ctx := context.Background()

	require.NoError(t, v.WriteFile(ctx, "/dir/b.txt", []byte("b")))
	require.NoError(t, v.WriteFile(ctx, "/dir/a.txt", []byte("a")))
	require.NoError(t, v.Mkdir(ctx, "/dir/sub", true))

	entries, err := v.Readdir(ctx, "/dir", ReaddirOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a.txt", entries[0].Name)
	require.Equal(t, "b.txt", entries[1].Name)
	require.Equal(t, "sub", entries[2].Name)
	require.Equal(t, KindDirectory, entries[2].Kind)
}

func TestReaddirOnUnknownPathFails(t *testing.T) {
	v, _, _ := newTestVFS(t)
	_, err := v.Readdir(context.Background(), "/nope", ReaddirOptions{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExistsFalseForUnknownPath(t *testing.T) {
	v, _, _ := newTestVFS(t)
	ok, err := v.Exists(context.Background(), "/nothing", ExistsOptions{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadFileHistoricalVersionsByCommit(t *testing.T) {
	v, _, repo := newTestVFS(t)
	ctx := context.Background()

	require.NoError(t, v.WriteFile(ctx, "/a.txt", []byte("V1")))
	h1, err := repo.Commit(ctx, "c1", "tester")
	require.NoError(t, err)

	require.NoError(t, v.WriteFile(ctx, "/a.txt", []byte("V2")))
	_, err = repo.Commit(ctx, "c2", "tester")
	require.NoError(t, err)

	current, err := v.ReadFile(ctx, "/a.txt", ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, "V2", string(current))

	historical, err := v.ReadFile(ctx, "/a.txt", ReadOptions{CommitID: h1})
	require.NoError(t, err)
	require.Equal(t, "V1", string(historical))
}

func TestReadFileBeforeFirstCommitFailsNotFoundAtCommit(t *testing.T) {
	v, _, repo := newTestVFS(t)
	ctx := context.Background()

	emptyHash, err := repo.Commit(ctx, "empty", "tester")
	require.NoError(t, err)

	require.NoError(t, v.WriteFile(ctx, "/a.txt", []byte("V1")))
	_, err = repo.Commit(ctx, "c1", "tester")
	require.NoError(t, err)

	_, err = v.ReadFile(ctx, "/a.txt", ReadOptions{CommitID: emptyHash})
	require.True(t, errors.Is(err, cow.ErrNotFoundAtCommit))
}

func TestExistsPropagatesInvalidCommit(t *testing.T) {
	v, _, _ := newTestVFS(t)
	_, err := v.Exists(context.Background(), "/a.txt", ExistsOptions{CommitID: "bogus-hash"})
	require.ErrorIs(t, err, cow.ErrInvalidCommit)
}

func TestResetClearsRootAndPathCache(t *testing.T) {
	v, _, _ := newTestVFS(t)
	ctx := context.Background()

	require.NoError(t, v.WriteFile(ctx, "/a.txt", []byte("x")))
	v.Reset()

	ok, err := v.Exists(ctx, "/a.txt", ExistsOptions{})
	require.NoError(t, err)
	require.False(t, ok, "path cache should be discarded after Reset")

	require.NoError(t, v.WriteFile(ctx, "/a.txt", []byte("y")))
	data, err := v.ReadFile(ctx, "/a.txt", ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, "y", string(data))
}

func TestRootHasFixedUUID(t *testing.T) {
	v, entities, _ := newTestVFS(t)
	ctx := context.Background()

	_, err := v.ensureRoot(ctx)
	require.NoError(t, err)

	e, err := entities.Get(ctx, RootID, entity.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, RootPath, e.Path)
	require.True(t, e.IsVFS)
}
