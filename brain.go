package cortex

import (
	"context"
	"errors"
	"fmt"

	"github.com/localbrain/cortex/pkg/cow"
	"github.com/localbrain/cortex/pkg/embedding"
	"github.com/localbrain/cortex/pkg/entity"
	"github.com/localbrain/cortex/pkg/index/graphidx"
	"github.com/localbrain/cortex/pkg/index/hnsw"
	"github.com/localbrain/cortex/pkg/index/idmap"
	"github.com/localbrain/cortex/pkg/index/metadata"
	"github.com/localbrain/cortex/pkg/storageadapter"
	"github.com/localbrain/cortex/pkg/typeinfer"
	"github.com/localbrain/cortex/pkg/vfs"
)

// Brain is the embedded store: the blob+index complex, the EntityStore,
// the COW history layer, and the VFS, wired together per Config (§2's
// data-flow table).
type Brain struct {
	cfg Config

	adapter storageadapter.Adapter
	cow     *cow.Repository
	vectors *hnsw.Index
	fields  *metadata.Index
	graph   *graphidx.Index
	ids     *idmap.Map

	entities *entity.Store
	vfs      *vfs.VFS
	embedder embedding.Embedder
	types    *typeinfer.Inferer

	logger Logger
	closed bool
}

// cowMarkerKey mirrors cow.go's unexported markerKey: Clear must leave it
// behind when it wipes every other key, so a fresh Open against the same
// path observes the disabled marker (§4.9).
const cowMarkerKey = "_system/cow-disabled"

// Open builds or resumes a Brain against cfg.Path. A pre-existing
// cow-disabled marker (left by a prior Clear) is honored: COW stays
// disabled until a fresh path is used.
func Open(ctx context.Context, cfg Config) (*Brain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, wrapError("open", err)
	}
	if cfg.VectorDim == 0 {
		cfg.VectorDim = DefaultVectorDim
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger()
	}

	adapter, err := buildAdapter(ctx, cfg)
	if err != nil {
		return nil, wrapError("open", err)
	}

	repo, err := cow.Open(ctx, adapter, cfg.BlobCacheSize, cfg.Compression.Enabled, cfg.Compression.Level)
	if err != nil {
		_ = adapter.Close()
		return nil, wrapError("open", err)
	}

	ids := idmap.New()
	if err := ids.Load(ctx, adapter); err != nil {
		_ = adapter.Close()
		return nil, wrapError("open", fmt.Errorf("load id map: %w", err))
	}
	graph := graphidx.New(ids)
	fields := metadata.New(ids)
	// ids must be fully reloaded before fields.Load: the persisted chunks
	// reference dense ids assigned by the idmap at the time they were
	// flushed, and those ids only resolve back to their uuids if ids holds
	// the exact same mapping now.
	if err := fields.Load(ctx, adapter); err != nil {
		_ = adapter.Close()
		return nil, wrapError("open", fmt.Errorf("load metadata index: %w", err))
	}

	hnswParams := hnsw.Params{M: cfg.HNSW.M, EfConstruction: cfg.HNSW.EfConstruction, EfSearch: cfg.HNSW.EfSearch}
	if hnswParams == (hnsw.Params{}) {
		hnswParams = hnsw.DefaultParams()
	}
	vectors := hnsw.New(hnswParams)

	embedder := embedding.NewHashEmbedder(cfg.VectorDim)
	entities := entity.New(adapter, repo, vectors, fields, graph, embedder, cfg.VectorDim, logger)
	vfsLayer := vfs.New(entities, repo, graph)

	types := typeinfer.New(embedder)

	return &Brain{
		cfg: cfg, adapter: adapter, cow: repo, vectors: vectors, fields: fields, graph: graph, ids: ids,
		entities: entities, vfs: vfsLayer, embedder: embedder, types: types, logger: logger,
	}, nil
}

func buildAdapter(ctx context.Context, cfg Config) (storageadapter.Adapter, error) {
	switch cfg.StorageBackend {
	case BackendMemory:
		return storageadapter.NewMemoryAdapter(), nil
	case BackendFilesystem, "":
		return storageadapter.NewFilesystemAdapter(cfg.Path)
	case BackendSQLite:
		return storageadapter.NewSQLiteAdapter(cfg.Path)
	case BackendS3:
		return storageadapter.NewS3Adapter(ctx, storageadapter.S3Config{
			Endpoint: cfg.S3.Endpoint, Bucket: cfg.S3.Bucket, AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey, Region: cfg.S3.Region, UseSSL: cfg.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, cfg.StorageBackend)
	}
}

// Entities exposes the EntityStore for noun/verb CRUD.
func (b *Brain) Entities() *entity.Store { return b.entities }

// VFS exposes the virtual filesystem layered on the EntityStore.
func (b *Brain) VFS() *vfs.VFS { return b.vfs }

// COW exposes the commit/tree/blob history layer.
func (b *Brain) COW() *cow.Repository { return b.cow }

// TypeInferer exposes the keyword/vector type-inference collaborator used
// by Find to pick HNSW sub-graphs when a query has no explicit type.
func (b *Brain) TypeInferer() *typeinfer.Inferer { return b.types }

// Close flushes pending index writes and releases the adapter (§5
// resource lifetimes). Subsequent operations fail with ErrStoreClosed.
func (b *Brain) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	if err := b.ids.Flush(ctx, b.adapter); err != nil {
		b.logger.Warn("flush id map on close failed", "error", err)
	}
	if err := b.fields.Flush(ctx, b.adapter); err != nil {
		b.logger.Warn("flush metadata index on close failed", "error", err)
	}
	b.closed = true
	if err := b.adapter.Close(); err != nil {
		return wrapError("close", backendError("close", err))
	}
	return nil
}

func (b *Brain) checkOpen() error {
	if b.closed {
		return wrapError("", ErrStoreClosed)
	}
	return nil
}

// Clear implements §4.9: delete every entity/relation/index/COW object
// from the adapter, write the cow-disabled marker, and reset every
// in-memory index plus the VFS path cache. It is idempotent — a second
// call observes an already-disabled COW repository and an already-empty
// adapter, and succeeds as a no-op.
func (b *Brain) Clear(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	if err := b.cow.Disable(ctx); err != nil {
		return wrapError("clear", err)
	}

	if err := deleteAllExcept(ctx, b.adapter, cowMarkerKey); err != nil {
		return wrapError("clear", err)
	}

	b.vectors.Reset()
	b.fields.Reset()
	b.graph.Reset()
	b.ids.Reset()
	b.vfs.Reset()
	return nil
}

// deleteAllExcept removes every key in adapter except keep, paginating
// through the full unprefixed key space.
func deleteAllExcept(ctx context.Context, adapter storageadapter.Adapter, keep string) error {
	cursor := ""
	for {
		page, err := adapter.List(ctx, "", storageadapter.ListOptions{Limit: 1000, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("list for clear: %w", err)
		}
		for _, key := range page.Items {
			if key == keep {
				continue
			}
			if err := adapter.Delete(ctx, key); err != nil && !errors.Is(err, storageadapter.ErrNotFound) {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}
