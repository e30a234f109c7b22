package cortex

import (
	"context"

	"github.com/localbrain/cortex/pkg/cow"
	"github.com/localbrain/cortex/pkg/entity"
	"github.com/localbrain/cortex/pkg/vfs"
)

// Add creates or replaces an entity (§4.4 invariant 1).
func (b *Brain) Add(ctx context.Context, in entity.AddInput) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	id, err := b.entities.Add(ctx, in)
	if err != nil {
		return "", wrapError("add", translateErr(err))
	}
	return id, nil
}

// Get loads an entity, metadata-only unless opts.IncludeVectors is set.
func (b *Brain) Get(ctx context.Context, id string, opts entity.GetOptions) (*entity.Entity, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	e, err := b.entities.Get(ctx, id, opts)
	if err != nil {
		return nil, wrapError("get", translateErr(err))
	}
	return e, nil
}

// Update merges metadata into an existing entity without touching its vector.
func (b *Brain) Update(ctx context.Context, in entity.UpdateInput) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.entities.Update(ctx, in); err != nil {
		return wrapError("update", translateErr(err))
	}
	return nil
}

// Delete removes an entity from storage and every index (best-effort idempotent).
func (b *Brain) Delete(ctx context.Context, id string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.entities.Delete(ctx, id); err != nil {
		return wrapError("delete", translateErr(err))
	}
	return nil
}

// Relate links two existing entities with a typed relation.
func (b *Brain) Relate(ctx context.Context, in entity.RelateInput) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	id, err := b.entities.Relate(ctx, in)
	if err != nil {
		return "", wrapError("relate", translateErr(err))
	}
	return id, nil
}

// WriteFile writes VFS file content, creating missing parent directories.
func (b *Brain) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.vfs.WriteFile(ctx, path, data); err != nil {
		return wrapError("write_file", translateErr(err))
	}
	return nil
}

// ReadFile reads VFS file content, optionally as of a historical commit.
func (b *Brain) ReadFile(ctx context.Context, path string, opts vfs.ReadOptions) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	data, err := b.vfs.ReadFile(ctx, path, opts)
	if err != nil {
		return nil, wrapError("read_file", translateErr(err))
	}
	return data, nil
}

// Mkdir creates a VFS directory.
func (b *Brain) Mkdir(ctx context.Context, path string, recursive bool) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.vfs.Mkdir(ctx, path, recursive); err != nil {
		return wrapError("mkdir", translateErr(err))
	}
	return nil
}

// Readdir lists a VFS directory's immediate children.
func (b *Brain) Readdir(ctx context.Context, path string, opts vfs.ReaddirOptions) ([]vfs.DirEntry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := b.vfs.Readdir(ctx, path, opts)
	if err != nil {
		return nil, wrapError("readdir", translateErr(err))
	}
	return entries, nil
}

// Stat returns a VFS path's metadata.
func (b *Brain) Stat(ctx context.Context, path string, opts vfs.StatOptions) (*vfs.Stat, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	st, err := b.vfs.Stat(ctx, path, opts)
	if err != nil {
		return nil, wrapError("stat", translateErr(err))
	}
	return st, nil
}

// Exists reports whether a VFS path exists.
func (b *Brain) Exists(ctx context.Context, path string, opts vfs.ExistsOptions) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}
	ok, err := b.vfs.Exists(ctx, path, opts)
	if err != nil {
		return false, wrapError("exists", translateErr(err))
	}
	return ok, nil
}

// Commit snapshots the current working set (§4.3).
func (b *Brain) Commit(ctx context.Context, message, author string) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	hash, err := b.cow.Commit(ctx, message, author)
	if err != nil {
		return "", wrapError("commit", translateErr(err))
	}
	return hash, nil
}

// Fork creates a new branch at HEAD and returns a Brain bound to it,
// sharing every index and the adapter with the source but forking the
// COW history: writes after Fork append to the new branch only.
func (b *Brain) Fork(ctx context.Context, branchName string) (*Brain, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	repo, err := b.cow.Fork(ctx, branchName)
	if err != nil {
		return nil, wrapError("fork", translateErr(err))
	}

	forked := *b
	forked.cow = repo
	forked.entities = entity.New(b.adapter, repo, b.vectors, b.fields, b.graph, b.embedder, b.cfg.VectorDim, b.logger)
	forked.vfs = vfs.New(forked.entities, repo, b.graph)
	return &forked, nil
}

// Checkout moves this Brain's working set to branch's tip and discards
// every in-memory derived structure — HNSW, metadata index, graph
// adjacency, the id map, and the VFS path cache — per §4.3's
// requirement that checkout "must reset in-memory VFS and index caches".
// Rebuilding those structures from the new branch's tree is a repair pass
// left out of scope (§9: "a repair pass... may reconcile"), so reads
// immediately after Checkout only see what a subsequent re-index pass
// restores; see DESIGN.md.
func (b *Brain) Checkout(ctx context.Context, branch string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.cow.Checkout(ctx, branch); err != nil {
		return wrapError("checkout", translateErr(err))
	}
	b.vectors.Reset()
	b.fields.Reset()
	b.graph.Reset()
	b.ids.Reset()
	b.vfs.Reset()
	return nil
}

// GetHistory walks commit parents from HEAD, most recent first.
func (b *Brain) GetHistory(ctx context.Context, limit int) ([]cow.HistoryEntry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	history, err := b.cow.GetHistory(ctx, limit)
	if err != nil {
		return nil, wrapError("get_history", translateErr(err))
	}
	return history, nil
}
