package storageadapter

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FilesystemAdapter stores each key as a file under root, using the key's
// own '/' segments as the directory structure — so a sharded key like
// entities/nouns/vectors/ab/<uuid> lands at root/entities/nouns/vectors/ab/<uuid>
// with no further translation needed.
type FilesystemAdapter struct {
	root   string
	mu     sync.Mutex
	counts *countCache
}

// NewFilesystemAdapter opens (creating if necessary) a filesystem-backed
// Adapter rooted at dir.
func NewFilesystemAdapter(dir string) (*FilesystemAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storageadapter: create root %s: %w", dir, err)
	}
	return &FilesystemAdapter{root: dir, counts: newCountCache()}, nil
}

func (a *FilesystemAdapter) path(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("storageadapter: invalid key %q", key)
	}
	return filepath.Join(a.root, filepath.FromSlash(key)), nil
}

func (a *FilesystemAdapter) Get(_ context.Context, key string) ([]byte, error) {
	p, err := a.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storageadapter: read %s: %w", key, err)
	}
	return data, nil
}

func (a *FilesystemAdapter) Put(_ context.Context, key string, data []byte) error {
	p, err := a.path(key)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("storageadapter: mkdir for %s: %w", key, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storageadapter: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("storageadapter: finalize %s: %w", key, err)
	}
	a.counts.invalidate()
	return nil
}

func (a *FilesystemAdapter) Delete(_ context.Context, key string) error {
	p, err := a.path(key)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("storageadapter: delete %s: %w", key, err)
	}
	a.counts.invalidate()
	return nil
}

func (a *FilesystemAdapter) List(_ context.Context, prefix string, opts ListOptions) (ListResult, error) {
	prefixDir, err := a.path(prefix)
	if err != nil {
		return ListResult{}, err
	}

	var keys []string
	walkRoot := prefixDir
	if _, err := os.Stat(walkRoot); os.IsNotExist(err) {
		// prefix may name a partial path segment (e.g. "entities/nouns/vectors/a")
		// rather than a directory; fall back to walking the parent and filtering.
		walkRoot = filepath.Dir(walkRoot)
	}
	_ = filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d == nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})

	sort.Strings(keys)
	res, err := paginate(keys, opts)
	if err != nil {
		return ListResult{}, err
	}
	if opts.Cursor == "" {
		total := a.counts.get(prefix, func() int64 { return cappedCount(keys, prefix) })
		res.TotalCount = &total
	}
	return res, nil
}

func (a *FilesystemAdapter) Close() error { return nil }
