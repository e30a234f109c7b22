// Package vfs implements the virtual filesystem of §4.8: every path
// component is backed by an entity, directories hold `contains` relations
// to their children, and historical reads delegate to the COW layer.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/localbrain/cortex/pkg/cow"
	"github.com/localbrain/cortex/pkg/entity"
	"github.com/localbrain/cortex/pkg/index/graphidx"
)

// RootID is the fixed UUID of the VFS root directory (invariant 8).
const RootID = "00000000-0000-0000-0000-000000000000"

// RootPath is the VFS root's absolute path.
const RootPath = "/"

// containsRelation is the verb type linking a directory to its children.
const containsRelation = "contains"

var (
	ErrNotFound      = errors.New("vfs: not found")
	ErrAlreadyExists = errors.New("vfs: already exists")
)

// NodeKind distinguishes a file from a directory.
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
)

// Stat is the result of Stat.
type Stat struct {
	Path      string
	Kind      NodeKind
	Size      int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DirEntry is one child returned by Readdir.
type DirEntry struct {
	Name string
	Kind NodeKind
}

// ReadOptions controls ReadFile's time-travel behavior.
type ReadOptions struct {
	CommitID string
}

// ReaddirOptions controls Readdir.
type ReaddirOptions struct {
	WithFileTypes bool
	CommitID      string
}

// StatOptions controls Stat's time-travel behavior.
type StatOptions struct {
	CommitID string
}

// ExistsOptions controls Exists's time-travel behavior.
type ExistsOptions struct {
	CommitID string
}

// VFS is the path -> entity tree layered over an EntityStore and the COW
// working set.
type VFS struct {
	mu        sync.Mutex
	entities  *entity.Store
	cow       *cow.Repository
	graph     *graphidx.Index
	pathIDs   map[string]string // absolute path -> entity id
	rootReady bool
}

// New builds a VFS. graph must be the same graphidx.Index instance wired
// into entities, so Readdir's `contains` lookups see relations Relate
// already linked.
func New(entities *entity.Store, repo *cow.Repository, graph *graphidx.Index) *VFS {
	return &VFS{entities: entities, cow: repo, graph: graph, pathIDs: make(map[string]string)}
}

// Reset discards the in-memory root handle and path cache (§4.8 "Reset on
// clear"); the next operation re-initializes the root lazily.
func (v *VFS) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pathIDs = make(map[string]string)
	v.rootReady = false
}

func normalize(p string) string {
	if p == "" {
		return RootPath
	}
	cleaned := path.Clean("/" + p)
	return cleaned
}

func parentOf(p string) string {
	if p == RootPath {
		return RootPath
	}
	parent := path.Dir(p)
	if parent == "." {
		return RootPath
	}
	return parent
}

func baseName(p string) string {
	return path.Base(p)
}

func (v *VFS) cachedID(p string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.pathIDs[p]
	return id, ok
}

func (v *VFS) cacheID(p, id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pathIDs[p] = id
}

// ensureRoot lazily creates the fixed-UUID root directory entity the
// first time this VFS handle touches the tree (§4.8, invariant 8).
func (v *VFS) ensureRoot(ctx context.Context) (string, error) {
	v.mu.Lock()
	ready := v.rootReady
	v.mu.Unlock()
	if ready {
		return RootID, nil
	}

	if _, err := v.entities.Get(ctx, RootID, entity.GetOptions{}); err == nil {
		v.cacheID(RootPath, RootID)
		v.mu.Lock()
		v.rootReady = true
		v.mu.Unlock()
		return RootID, nil
	} else if !errors.Is(err, entity.ErrNotFound) {
		return "", err
	}

	if _, err := v.entities.Add(ctx, entity.AddInput{ID: RootID, Type: "Directory", IsVFS: true, VFSType: "directory", Path: RootPath}); err != nil {
		return "", err
	}
	if _, err := v.cow.WriteBlob(ctx, RootPath, []byte("{}")); err != nil {
		return "", fmt.Errorf("vfs: stage root: %w", err)
	}
	v.cacheID(RootPath, RootID)
	v.mu.Lock()
	v.rootReady = true
	v.mu.Unlock()
	return RootID, nil
}

// Mkdir creates path as a directory. With recursive false, every
// ancestor except path itself must already exist.
func (v *VFS) Mkdir(ctx context.Context, p string, recursive bool) error {
	p = normalize(p)
	if _, err := v.ensureRoot(ctx); err != nil {
		return err
	}
	if p == RootPath {
		return nil
	}

	segments := strings.Split(strings.Trim(p, "/"), "/")
	parentPath := RootPath
	cur := ""
	for i, seg := range segments {
		if parentPath == RootPath {
			cur = RootPath + seg
		} else {
			cur = parentPath + "/" + seg
		}
		isLast := i == len(segments)-1

		if _, ok := v.cachedID(cur); ok {
			parentPath = cur
			continue
		}
		if !isLast && !recursive {
			return fmt.Errorf("%w: %s", ErrNotFound, cur)
		}
		parentID, ok := v.cachedID(parentPath)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, parentPath)
		}

		id, err := v.entities.Add(ctx, entity.AddInput{Type: "Directory", IsVFS: true, VFSType: "directory", Path: cur})
		if err != nil {
			return err
		}
		if _, err := v.cow.WriteBlob(ctx, cur, []byte("{}")); err != nil {
			return fmt.Errorf("vfs: stage %s: %w", cur, err)
		}
		if _, err := v.entities.Relate(ctx, entity.RelateInput{From: parentID, To: id, Type: containsRelation}); err != nil {
			return err
		}
		v.cacheID(cur, id)
		parentPath = cur
	}
	return nil
}

// WriteFile writes data to path, creating any missing parent directories.
func (v *VFS) WriteFile(ctx context.Context, p string, data []byte) error {
	p = normalize(p)
	if p == RootPath {
		return fmt.Errorf("%w: cannot write to root", ErrAlreadyExists)
	}
	parent := parentOf(p)
	if err := v.Mkdir(ctx, parent, true); err != nil {
		return err
	}

	hash, err := v.cow.WriteBlob(ctx, p, data)
	if err != nil {
		return fmt.Errorf("vfs: stage %s: %w", p, err)
	}
	meta := map[string]any{"blobHash": hash, "size": float64(len(data))}

	if id, ok := v.cachedID(p); ok {
		return v.entities.Update(ctx, entity.UpdateInput{ID: id, Metadata: meta})
	}

	id, err := v.entities.Add(ctx, entity.AddInput{Type: "File", IsVFS: true, VFSType: "file", Path: p, Metadata: meta})
	if err != nil {
		return err
	}
	parentID, ok := v.cachedID(parent)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, parent)
	}
	if _, err := v.entities.Relate(ctx, entity.RelateInput{From: parentID, To: id, Type: containsRelation}); err != nil {
		return err
	}
	v.cacheID(p, id)
	return nil
}

// ReadFile reads path's content. With opts.CommitID set, it resolves
// through the COW history instead of the live working set, propagating
// cow.ErrNotFoundAtCommit / cow.ErrInvalidCommit as-is (§4.8).
func (v *VFS) ReadFile(ctx context.Context, p string, opts ReadOptions) ([]byte, error) {
	p = normalize(p)
	if opts.CommitID != "" {
		return v.cow.ReadAt(ctx, opts.CommitID, p)
	}
	data, err := v.cow.ReadCurrent(ctx, p)
	if errors.Is(err, cow.ErrNotFoundAtCommit) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return data, err
}

// Readdir lists path's immediate children via the `contains` adjacency.
// opts.CommitID is accepted for interface symmetry with the other
// time-travel operations but is not honored: reconstructing a historical
// `contains` edge set is out of scope here (see DESIGN.md).
func (v *VFS) Readdir(ctx context.Context, p string, opts ReaddirOptions) ([]DirEntry, error) {
	p = normalize(p)
	if _, err := v.ensureRoot(ctx); err != nil {
		return nil, err
	}
	id, ok := v.cachedID(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}

	rels := v.graph.GetRelations(graphidx.Query{From: id, Type: containsRelation})
	out := make([]DirEntry, 0, len(rels))
	for _, rel := range rels {
		child, err := v.entities.Get(ctx, rel.To, entity.GetOptions{})
		if err != nil {
			continue
		}
		kind := KindFile
		if child.VFSType == string(KindDirectory) {
			kind = KindDirectory
		}
		out = append(out, DirEntry{Name: baseName(child.Path), Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat returns path's metadata. With opts.CommitID set, existence is
// checked historically (propagating ErrNotFoundAtCommit / ErrInvalidCommit),
// but the returned size/kind/timestamps reflect the entity's current
// record — see DESIGN.md for why full historical stat is not built.
func (v *VFS) Stat(ctx context.Context, p string, opts StatOptions) (*Stat, error) {
	p = normalize(p)
	if opts.CommitID != "" {
		if _, err := v.cow.ResolveAt(ctx, opts.CommitID, p); err != nil {
			return nil, err
		}
	}

	id, ok := v.cachedID(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	e, err := v.entities.Get(ctx, id, entity.GetOptions{})
	if err != nil {
		return nil, err
	}
	kind := KindFile
	if e.VFSType == string(KindDirectory) {
		kind = KindDirectory
	}
	size := 0
	if sz, ok := e.Metadata["size"].(float64); ok {
		size = int(sz)
	}
	return &Stat{Path: p, Kind: kind, Size: size, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}, nil
}

// Exists reports whether path exists, optionally at a historical commit.
// A historical lookup that fails with ErrNotFoundAtCommit reports false;
// ErrInvalidCommit propagates (§4.8).
func (v *VFS) Exists(ctx context.Context, p string, opts ExistsOptions) (bool, error) {
	p = normalize(p)
	if opts.CommitID != "" {
		_, err := v.cow.ResolveAt(ctx, opts.CommitID, p)
		if errors.Is(err, cow.ErrNotFoundAtCommit) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	if _, err := v.ensureRoot(ctx); err != nil {
		return false, err
	}
	_, ok := v.cachedID(p)
	return ok, nil
}
