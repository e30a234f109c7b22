package cow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/localbrain/cortex/pkg/storageadapter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCommitStoresUnderCommitPrefix(t *testing.T) {
	ctx := context.Background()
	adapter := storageadapter.NewMemoryAdapter()
	repo, err := Open(ctx, adapter, 0, false, 0)
	require.NoError(t, err)

	repo.Stage("entity-1", KindBlob, "deadbeef")
	hash, err := repo.Commit(ctx, "m1", "tester")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	res, err := adapter.List(ctx, "_cow/", storageadapter.ListOptions{})
	require.NoError(t, err)

	var sawCommit bool
	for _, k := range res.Items {
		if strings.Contains(k, "commit:") && !strings.Contains(k, "-meta:") {
			sawCommit = true
		}
	}
	require.True(t, sawCommit)
}

func TestEmptyCommitsSucceed(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, storageadapter.NewMemoryAdapter(), 0, false, 0)
	require.NoError(t, err)

	hash1, err := repo.Commit(ctx, "empty1", "tester")
	require.NoError(t, err)
	hash2, err := repo.Commit(ctx, "empty2", "tester")
	require.NoError(t, err)
	require.NotEqual(t, hash1, hash2)

	history, err := repo.GetHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "empty2", history[0].Message)
	require.Equal(t, "empty1", history[1].Message)
}

func TestForkIsIndependent(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, storageadapter.NewMemoryAdapter(), 0, false, 0)
	require.NoError(t, err)

	repo.Stage("e1", KindBlob, "hash1")
	_, err = repo.Commit(ctx, "base", "tester")
	require.NoError(t, err)

	forked, err := repo.Fork(ctx, "experiment")
	require.NoError(t, err)

	forked.Stage("e2", KindBlob, "hash2")
	_, err = forked.Commit(ctx, "fork-only", "tester")
	require.NoError(t, err)

	mainHistory, err := repo.GetHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, mainHistory, 1)

	forkHistory, err := forked.GetHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, forkHistory, 2)
}

func TestCheckoutResetsWorkingSet(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, storageadapter.NewMemoryAdapter(), 0, false, 0)
	require.NoError(t, err)

	repo.Stage("e1", KindBlob, "hash1")
	_, err = repo.Commit(ctx, "c1", "tester")
	require.NoError(t, err)

	_, err = repo.Fork(ctx, "other")
	require.NoError(t, err)

	repo.Stage("e2", KindBlob, "hash2")
	_, err = repo.Commit(ctx, "c2", "tester")
	require.NoError(t, err)

	require.NoError(t, repo.Checkout(ctx, "other"))
	require.Equal(t, "other", repo.Branch())

	history, err := repo.GetHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "c1", history[0].Message)
}

func TestHistoricalReadResolution(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, storageadapter.NewMemoryAdapter(), 0, false, 0)
	require.NoError(t, err)

	repo.Stage("entity-1", KindBlob, "blobhash-1")
	hash, err := repo.Commit(ctx, "c1", "tester")
	require.NoError(t, err)

	entry, err := repo.ResolveAt(ctx, hash, "entity-1")
	require.NoError(t, err)
	require.Equal(t, "blobhash-1", entry.Hash)

	_, err = repo.ResolveAt(ctx, hash, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFoundAtCommit)

	_, err = repo.ResolveAt(ctx, "not-a-real-commit-hash", "entity-1")
	require.ErrorIs(t, err, ErrInvalidCommit)
}

func TestDisableSuppressesFutureWrites(t *testing.T) {
	ctx := context.Background()
	adapter := storageadapter.NewMemoryAdapter()
	repo, err := Open(ctx, adapter, 0, false, 0)
	require.NoError(t, err)

	require.NoError(t, repo.Disable(ctx))
	_, err = repo.Commit(ctx, "should fail", "tester")
	require.ErrorIs(t, err, ErrDisabled)

	reopened, err := Open(ctx, adapter, 0, false, 0)
	require.NoError(t, err)
	require.True(t, reopened.Disabled())
	_, err = reopened.Commit(ctx, "should also fail", "tester")
	require.ErrorIs(t, err, ErrDisabled)
}

func TestUnstageRemovesFromNextCommit(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, storageadapter.NewMemoryAdapter(), 0, false, 0)
	require.NoError(t, err)

	repo.Stage("e1", KindBlob, "h1")
	repo.Stage("e2", KindBlob, "h2")
	repo.Unstage("e1")

	hash, err := repo.Commit(ctx, "m", "tester")
	require.NoError(t, err)

	_, err = repo.ResolveAt(ctx, hash, "e1")
	require.ErrorIs(t, err, ErrNotFoundAtCommit)

	entry, err := repo.ResolveAt(ctx, hash, "e2")
	require.NoError(t, err)
	require.Equal(t, "h2", entry.Hash)
}

func TestWriteBlobStagesAndReadsBackCurrent(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, storageadapter.NewMemoryAdapter(), 0, false, 0)
	require.NoError(t, err)

	hash, err := repo.WriteBlob(ctx, "e1", []byte("payload"))
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	entry, ok := repo.CurrentEntry("e1")
	require.True(t, ok)
	require.Equal(t, hash, entry.Hash)
	require.Equal(t, KindBlob, entry.Kind)

	data, err := repo.ReadCurrent(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestReadCurrentMissingNameFails(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, storageadapter.NewMemoryAdapter(), 0, false, 0)
	require.NoError(t, err)

	_, err = repo.ReadCurrent(ctx, "nonexistent")
	require.ErrorIs(t, err, ErrNotFoundAtCommit)
}

func TestOpenWithCompressionRoundTripsBlobs(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, storageadapter.NewMemoryAdapter(), 64, true, 6)
	require.NoError(t, err)

	payload := []byte(strings.Repeat("compressible payload ", 200))
	hash, err := repo.WriteBlob(ctx, "e1", payload)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	data, err := repo.ReadCurrent(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, payload, data)
}
