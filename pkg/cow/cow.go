// Package cow implements the copy-on-write commit/tree/blob DAG of §4.3:
// immutable snapshots of the entity/VFS working set, branches, history
// walking, and historical reads by (commitID, name).
package cow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/localbrain/cortex/internal/encoding"
	"github.com/localbrain/cortex/pkg/blobstore"
	"github.com/localbrain/cortex/pkg/storageadapter"
)

// ErrNotFoundAtCommit is returned when a commit resolves but the requested
// name (entity id or VFS path) has no entry in its tree.
var ErrNotFoundAtCommit = errors.New("cow: entry not found at commit")

// ErrInvalidCommit is returned when a commit hash does not resolve to any
// stored commit object.
var ErrInvalidCommit = errors.New("cow: commit hash does not resolve")

// ErrDisabled is returned by Commit, Fork and Checkout once the
// cow-disabled marker (§4.3) has been observed. WriteBlob, Stage and
// Unstage do not check the marker and keep writing blobs and staging paths.
var ErrDisabled = errors.New("cow: disabled by marker file")

// markerKey is read directly off the un-prefixed root adapter, matching
// the on-disk layout's top-level _system/cow-disabled path.
const markerKey = "_system/cow-disabled"

const refPrefix = "_cow/refs/"
const headKey = "_cow/HEAD"

// EntryKind distinguishes a tree entry pointing at a blob vs a nested tree.
type EntryKind string

const (
	KindBlob EntryKind = "blob"
	KindTree EntryKind = "tree"
)

// TreeEntry is one leaf of a Tree snapshot.
type TreeEntry struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"kind"`
	Hash string    `json:"hash"`
}

// Tree is the snapshot of the entity/VFS working set at a commit. It is
// kept flat (entries keyed by their full logical name — entity UUID or
// absolute VFS path) rather than nested tree-of-trees: every caller
// resolves by exact name already, so a second level of indirection would
// add bookkeeping without changing any observable behavior (see DESIGN.md).
type Tree struct {
	Entries []TreeEntry `json:"entries"`
}

// Commit is one node of the COW history.
type Commit struct {
	Hash      string    `json:"-"`
	Parent    string    `json:"parent,omitempty"`
	Tree      string    `json:"tree"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryEntry is one row of GetHistory's output.
type HistoryEntry struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository is the COW layer: a content-addressed commit/tree/blob graph
// scoped under the _cow/ prefix of a shared StorageAdapter, plus a
// per-branch mutable ref and an in-memory staged working set.
type Repository struct {
	objects *blobstore.Store
	refs    storageadapter.Adapter // unscoped root adapter: refs + marker live outside _cow/'s object namespace

	mu       sync.Mutex
	branch   string
	entries  map[string]TreeEntry
	disabled bool
}

// Open builds a Repository against root, honoring any pre-existing
// cow-disabled marker so a fresh process respects a prior Clear (§4.3).
// cacheSize, compress and compressLevel are forwarded to the underlying
// blobstore.Store (§4.1): cacheSize <= 0 falls back to blobstore's own
// 4096-entry default, compress enables klauspost/compress flate on write.
func Open(ctx context.Context, root storageadapter.Adapter, cacheSize int, compress bool, compressLevel int) (*Repository, error) {
	objects, err := blobstore.New(storageadapter.NewPrefixed(root, "_cow/"), cacheSize, compress, compressLevel)
	if err != nil {
		return nil, fmt.Errorf("cow: build object store: %w", err)
	}
	r := &Repository{objects: objects, refs: root, branch: "main", entries: make(map[string]TreeEntry)}

	if _, err := root.Get(ctx, markerKey); err == nil {
		r.disabled = true
	} else if !errors.Is(err, storageadapter.ErrNotFound) {
		return nil, fmt.Errorf("cow: check marker: %w", err)
	}

	if data, err := root.Get(ctx, headKey); err == nil {
		r.branch = string(data)
	} else if !errors.Is(err, storageadapter.ErrNotFound) {
		return nil, fmt.Errorf("cow: read HEAD: %w", err)
	}

	if !r.disabled {
		if err := r.loadWorkingSet(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Repository) loadWorkingSet(ctx context.Context) error {
	head, err := r.currentHead(ctx, r.branch)
	if err != nil {
		return err
	}
	if head == "" {
		return nil
	}
	c, err := r.readCommit(ctx, head)
	if err != nil {
		return err
	}
	t, err := r.readTree(ctx, c.Tree)
	if err != nil {
		return err
	}
	for _, e := range t.Entries {
		r.entries[e.Name] = e
	}
	return nil
}

// Disabled reports whether a cow-disabled marker suppressed this repository.
func (r *Repository) Disabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled
}

// Branch returns the currently checked-out branch name.
func (r *Repository) Branch() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.branch
}

// Stage records that name (an entity UUID or VFS path) now points at
// hash. EntityStore and VFS call this after every successful blob write
// so the next Commit captures an up to date working set.
func (r *Repository) Stage(name string, kind EntryKind, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = TreeEntry{Name: name, Kind: kind, Hash: hash}
}

// Unstage removes name from the working set, e.g. after an entity delete.
func (r *Repository) Unstage(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// WriteBlob writes data as a content-addressed blob and stages it under
// name in one step, returning its hash. EntityStore and VFS call this for
// every entity/relation/file write so the next Commit's tree includes it.
func (r *Repository) WriteBlob(ctx context.Context, name string, data []byte) (string, error) {
	hash, err := r.objects.Write(ctx, blobstore.TypeBlob, data)
	if err != nil {
		return "", fmt.Errorf("cow: write blob for %s: %w", name, err)
	}
	r.Stage(name, KindBlob, hash)
	return hash, nil
}

// CurrentEntry returns name's entry in the working set, if staged.
func (r *Repository) CurrentEntry(name string) (TreeEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// ReadCurrent reads the blob currently staged under name in the working
// set, without resolving through any commit.
func (r *Repository) ReadCurrent(ctx context.Context, name string) ([]byte, error) {
	entry, ok := r.CurrentEntry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFoundAtCommit, name)
	}
	data, err := r.objects.Read(ctx, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("cow: read blob for %s: %w", name, err)
	}
	return data, nil
}

func (r *Repository) currentHead(ctx context.Context, branch string) (string, error) {
	data, err := r.refs.Get(ctx, refPrefix+branch)
	if errors.Is(err, storageadapter.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cow: read ref %s: %w", branch, err)
	}
	return string(data), nil
}

func (r *Repository) writeTree(ctx context.Context, t Tree) (string, error) {
	data, err := encoding.EncodeJSON(t)
	if err != nil {
		return "", fmt.Errorf("cow: encode tree: %w", err)
	}
	hash, err := r.objects.Write(ctx, blobstore.TypeTree, data)
	if err != nil {
		return "", fmt.Errorf("cow: write tree: %w", err)
	}
	return hash, nil
}

func (r *Repository) readCommit(ctx context.Context, hash string) (Commit, error) {
	data, err := r.objects.Read(ctx, hash)
	if errors.Is(err, blobstore.ErrNotFound) {
		return Commit{}, fmt.Errorf("%w: %s", ErrInvalidCommit, hash)
	}
	if err != nil {
		return Commit{}, fmt.Errorf("cow: read commit %s: %w", hash, err)
	}
	var c Commit
	if err := encoding.DecodeJSON(data, &c); err != nil {
		return Commit{}, fmt.Errorf("cow: decode commit %s: %w", hash, err)
	}
	c.Hash = hash
	return c, nil
}

func (r *Repository) readTree(ctx context.Context, hash string) (Tree, error) {
	data, err := r.objects.Read(ctx, hash)
	if err != nil {
		return Tree{}, fmt.Errorf("cow: read tree %s: %w", hash, err)
	}
	var t Tree
	if err := encoding.DecodeJSON(data, &t); err != nil {
		return Tree{}, fmt.Errorf("cow: decode tree %s: %w", hash, err)
	}
	return t, nil
}

// Commit snapshots the current working set into a tree object, writes a
// commit referencing HEAD's commit and the new tree, and advances the
// branch ref. Empty commits (no staged changes since the parent) still
// succeed and are recorded.
func (r *Repository) Commit(ctx context.Context, message, author string) (string, error) {
	if r.Disabled() {
		return "", ErrDisabled
	}

	r.mu.Lock()
	entries := make([]TreeEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	branch := r.branch
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	treeHash, err := r.writeTree(ctx, Tree{Entries: entries})
	if err != nil {
		return "", err
	}

	parentHash, err := r.currentHead(ctx, branch)
	if err != nil {
		return "", err
	}

	c := Commit{Parent: parentHash, Tree: treeHash, Message: message, Author: author, Timestamp: time.Now().UTC()}
	data, err := encoding.EncodeJSON(c)
	if err != nil {
		return "", fmt.Errorf("cow: encode commit: %w", err)
	}
	hash, err := r.objects.Write(ctx, blobstore.TypeCommit, data)
	if err != nil {
		return "", fmt.Errorf("cow: write commit: %w", err)
	}

	if err := r.refs.Put(ctx, refPrefix+branch, []byte(hash)); err != nil {
		return "", fmt.Errorf("cow: advance ref %s: %w", branch, err)
	}
	return hash, nil
}

// Fork creates a new branch ref pointing at HEAD's current commit and
// returns a Repository handle bound to it; subsequent commits through the
// returned handle append to the fork's own history without affecting the
// source branch.
func (r *Repository) Fork(ctx context.Context, branchName string) (*Repository, error) {
	if r.Disabled() {
		return nil, ErrDisabled
	}

	r.mu.Lock()
	source := r.branch
	entriesCopy := make(map[string]TreeEntry, len(r.entries))
	for k, v := range r.entries {
		entriesCopy[k] = v
	}
	r.mu.Unlock()

	head, err := r.currentHead(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := r.refs.Put(ctx, refPrefix+branchName, []byte(head)); err != nil {
		return nil, fmt.Errorf("cow: create branch %s: %w", branchName, err)
	}

	return &Repository{objects: r.objects, refs: r.refs, branch: branchName, entries: entriesCopy}, nil
}

// Checkout moves r to branch's tip and reloads the staged working set from
// that commit's tree. Callers that maintain derived in-memory state
// (EntityStore caches, HNSW/metadata/graph indexes, VFS path cache) are
// responsible for discarding it after Checkout returns — Repository only
// owns the commit/tree/blob graph, not those derived indexes (§4.9).
func (r *Repository) Checkout(ctx context.Context, branch string) error {
	if r.Disabled() {
		return ErrDisabled
	}

	head, err := r.currentHead(ctx, branch)
	if err != nil {
		return err
	}

	entries := make(map[string]TreeEntry)
	if head != "" {
		c, err := r.readCommit(ctx, head)
		if err != nil {
			return err
		}
		t, err := r.readTree(ctx, c.Tree)
		if err != nil {
			return err
		}
		for _, e := range t.Entries {
			entries[e.Name] = e
		}
	}

	r.mu.Lock()
	r.branch = branch
	r.entries = entries
	r.mu.Unlock()

	return r.refs.Put(ctx, headKey, []byte(branch))
}

// GetHistory walks parent pointers from HEAD, most recent first. limit <=
// 0 means unbounded.
func (r *Repository) GetHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	branch := r.Branch()

	head, err := r.currentHead(ctx, branch)
	if err != nil {
		return nil, err
	}

	var out []HistoryEntry
	for hash := head; hash != ""; {
		c, err := r.readCommit(ctx, hash)
		if err != nil {
			return nil, err
		}
		out = append(out, HistoryEntry{Hash: c.Hash, Message: c.Message, Author: c.Author, Timestamp: c.Timestamp})
		if limit > 0 && len(out) >= limit {
			break
		}
		hash = c.Parent
	}
	return out, nil
}

// ResolveAt resolves name against commitID's tree, returning its entry
// without reading the underlying blob. Missing entries are
// ErrNotFoundAtCommit; an unresolvable commit hash is ErrInvalidCommit.
func (r *Repository) ResolveAt(ctx context.Context, commitID, name string) (TreeEntry, error) {
	c, err := r.readCommit(ctx, commitID)
	if err != nil {
		return TreeEntry{}, err
	}
	t, err := r.readTree(ctx, c.Tree)
	if err != nil {
		return TreeEntry{}, err
	}
	for _, e := range t.Entries {
		if e.Name == name {
			return e, nil
		}
	}
	return TreeEntry{}, fmt.Errorf("%w: %s at %s", ErrNotFoundAtCommit, name, commitID)
}

// ReadAt resolves name against commitID's tree and returns the referenced
// blob's bytes.
func (r *Repository) ReadAt(ctx context.Context, commitID, name string) ([]byte, error) {
	entry, err := r.ResolveAt(ctx, commitID, name)
	if err != nil {
		return nil, err
	}
	data, err := r.objects.Read(ctx, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("cow: read blob for %s at %s: %w", name, commitID, err)
	}
	return data, nil
}

// Disable writes the cow-disabled marker and deletes every object and ref
// under _cow/, per §4.9/§4.3. A future Open against this same adapter
// starts disabled until the marker is removed (e.g. a fresh directory).
func (r *Repository) Disable(ctx context.Context) error {
	for cursor := ""; ; {
		page, err := r.refs.List(ctx, "_cow/", storageadapter.ListOptions{Limit: 256, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("cow: list _cow/ for clear: %w", err)
		}
		for _, k := range page.Items {
			if err := r.refs.Delete(ctx, k); err != nil && !errors.Is(err, storageadapter.ErrNotFound) {
				return fmt.Errorf("cow: delete %s: %w", k, err)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if err := r.refs.Put(ctx, markerKey, []byte("1")); err != nil {
		return fmt.Errorf("cow: write marker: %w", err)
	}

	r.mu.Lock()
	r.disabled = true
	r.entries = make(map[string]TreeEntry)
	r.branch = "main"
	r.mu.Unlock()
	return nil
}
