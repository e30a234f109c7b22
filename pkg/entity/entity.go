// Package entity implements the EntityStore of §4.4: noun/verb CRUD over
// the blob+index complex, metadata-only vs include-vectors reads, and the
// blob -> HNSW -> metadata -> graph write ordering.
package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/localbrain/cortex/internal/encoding"
	"github.com/localbrain/cortex/pkg/cow"
	"github.com/localbrain/cortex/pkg/embedding"
	"github.com/localbrain/cortex/pkg/index/graphidx"
	"github.com/localbrain/cortex/pkg/index/hnsw"
	"github.com/localbrain/cortex/pkg/index/metadata"
	"github.com/localbrain/cortex/pkg/storageadapter"
)

// Sentinel errors. Local to this package so it stays importable from the
// root module without a cycle; brain.go wraps these into the module's own
// sentinel set at the boundary.
var (
	ErrNotFound                = errors.New("entity: not found")
	ErrDimensionMismatch       = errors.New("entity: vector dimension mismatch")
	ErrMissingVector           = errors.New("entity: operation requires a vector on a metadata-only entity")
	ErrRelationEndpointMissing = errors.New("entity: relation endpoint does not exist")
)

// Logger is the minimal structured-logging surface this package needs.
// Any value satisfying the root module's Logger interface also satisfies
// this one, since Go interface satisfaction only requires the listed
// methods to be present.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Entity is the Noun of §3: identity, typed payload, optional metadata,
// optional vector, plus the VFS fields and the embeddingModel/version
// fields this spec's expansion carries from original_source.
type Entity struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Data           string         `json:"data"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Vector         []float32      `json:"vector"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	IsVFS          bool           `json:"isVFS,omitempty"`
	VFSType        string         `json:"vfsType,omitempty"`
	Path           string         `json:"path,omitempty"`
	EmbeddingModel string         `json:"embeddingModel,omitempty"`
	Version        int            `json:"version"`
}

// Relation is the Verb of §3: a typed edge between two entity UUIDs.
type Relation struct {
	ID       string         `json:"id"`
	From     string         `json:"from"`
	To       string         `json:"to"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Weight   float64        `json:"weight"`
}

// AddInput is the payload for Add. Vector is optional: when nil and an
// Embedder is configured, it is computed from Data.
type AddInput struct {
	ID             string // optional; a fresh UUID v4 is generated when empty
	Type           string
	Data           string
	Metadata       map[string]any
	Vector         []float32
	EmbeddingModel string
	IsVFS          bool
	VFSType        string
	Path           string
}

// GetOptions controls Get's read path (§4.4: metadata-only by default).
type GetOptions struct {
	IncludeVectors bool
}

// UpdateInput is the payload for Update: metadata merge only, never the vector.
type UpdateInput struct {
	ID       string
	Metadata map[string]any
}

// RelateInput is the payload for Relate.
type RelateInput struct {
	ID       string // optional; generated when empty
	From     string
	To       string
	Type     string
	Metadata map[string]any
	Weight   float64 // defaults to 1.0 when zero
}

// Store is the EntityStore: entity/relation CRUD wired to the blob+index
// complex and the COW working set.
type Store struct {
	adapter storageadapter.Adapter
	cow     *cow.Repository
	vectors *hnsw.Index
	fields  *metadata.Index
	graph   *graphidx.Index

	embedder embedding.Embedder
	dim      int
	logger   Logger
}

// New builds a Store. embedder may be nil (callers must then always
// supply a precomputed vector on Add). logger may be nil, which disables
// logging entirely.
func New(adapter storageadapter.Adapter, repo *cow.Repository, vectors *hnsw.Index, fields *metadata.Index, graph *graphidx.Index, embedder embedding.Embedder, dim int, logger Logger) *Store {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Store{adapter: adapter, cow: repo, vectors: vectors, fields: fields, graph: graph, embedder: embedder, dim: dim, logger: logger}
}

type entityRecord struct {
	Entity
}

// Add creates or replaces (upsert, invariant 1) an entity, writing its
// record to storage and the COW working set, then the HNSW and metadata
// indexes in that order (§4.4's blob -> HNSW -> metadata -> graph
// ordering; the graph step only applies to Relate, since Add is scoped to
// nouns).
func (s *Store) Add(ctx context.Context, in AddInput) (string, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	vector := in.Vector
	if len(vector) == 0 && s.embedder != nil && in.Data != "" {
		v, err := s.embedder.Embed(ctx, in.Data)
		if err != nil {
			return "", fmt.Errorf("entity: embed %s: %w", id, err)
		}
		vector = v
	}
	if len(vector) > 0 && len(vector) != s.dim {
		return "", fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dim)
	}

	now := time.Now().UTC()
	full := Entity{
		ID: id, Type: in.Type, Data: in.Data, Metadata: in.Metadata, Vector: vector,
		CreatedAt: now, UpdatedAt: now, IsVFS: in.IsVFS, VFSType: in.VFSType, Path: in.Path,
		EmbeddingModel: in.EmbeddingModel, Version: 1,
	}
	if existing, err := s.readRecord(ctx, storageadapter.ShardedMetadataKey(id)); err == nil {
		full.CreatedAt = existing.CreatedAt
		full.Version = existing.Version + 1
	}

	if err := s.writeRecord(ctx, id, full); err != nil {
		return "", err
	}

	if len(vector) > 0 {
		if err := s.vectors.Insert(id, vector, in.Type); err != nil {
			s.logger.Warn("hnsw insert failed", "id", id, "error", err)
		}
	}

	s.fields.IndexEntity(id, indexableFields(full))

	return id, nil
}

// Get loads an entity. By default (IncludeVectors false) it reads the
// metadata-only record, whose Vector is always []float32{}; with
// IncludeVectors true it reads the full vector record.
func (s *Store) Get(ctx context.Context, id string, opts GetOptions) (*Entity, error) {
	key := storageadapter.ShardedMetadataKey(id)
	if opts.IncludeVectors {
		key = storageadapter.ShardedVectorKey(id)
	}
	e, err := s.readRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Update merges metadata into the stored entity; it never touches the
// vector or the HNSW index (§4.4), but does re-index the merged metadata
// fields.
func (s *Store) Update(ctx context.Context, in UpdateInput) error {
	existing, err := s.readRecord(ctx, storageadapter.ShardedVectorKey(in.ID))
	if err != nil {
		return err
	}

	merged := existing.Metadata
	if merged == nil {
		merged = make(map[string]any)
	}
	for k, v := range in.Metadata {
		merged[k] = v
	}
	existing.Metadata = merged
	existing.UpdatedAt = time.Now().UTC()
	existing.Version++

	if err := s.writeRecord(ctx, in.ID, existing); err != nil {
		return err
	}
	s.fields.IndexEntity(in.ID, indexableFields(existing))
	return nil
}

// Delete removes id from storage and every index, best-effort: a missing
// entry in any single index does not abort the rest (§4.4 idempotence).
func (s *Store) Delete(ctx context.Context, id string) error {
	e, err := s.readRecord(ctx, storageadapter.ShardedMetadataKey(id))
	if err == nil {
		if delErr := s.vectors.Delete(id, e.Type); delErr != nil {
			s.logger.Debug("hnsw delete: not present", "id", id, "error", delErr)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	// Relation adjacency referencing id is left in place: the graph index
	// keys by relation id, not endpoint id, and cascading deletes of
	// dependent edges is a VFS-specific concern (contains edges), not a
	// generic EntityStore one — see DESIGN.md.
	s.fields.RemoveEntity(id)
	s.cow.Unstage(id)

	if delErr := s.adapter.Delete(ctx, storageadapter.ShardedVectorKey(id)); delErr != nil && !errors.Is(delErr, storageadapter.ErrNotFound) {
		return fmt.Errorf("entity: delete vector record %s: %w", id, delErr)
	}
	if delErr := s.adapter.Delete(ctx, storageadapter.ShardedMetadataKey(id)); delErr != nil && !errors.Is(delErr, storageadapter.ErrNotFound) {
		return fmt.Errorf("entity: delete metadata record %s: %w", id, delErr)
	}
	return nil
}

// Relate writes a relation object and links it into the graph index.
// Invariant 3 (§3) requires both endpoints to already exist.
func (s *Store) Relate(ctx context.Context, in RelateInput) (string, error) {
	if _, err := s.readRecord(ctx, storageadapter.ShardedMetadataKey(in.From)); err != nil {
		return "", fmt.Errorf("%w: from=%s", ErrRelationEndpointMissing, in.From)
	}
	if _, err := s.readRecord(ctx, storageadapter.ShardedMetadataKey(in.To)); err != nil {
		return "", fmt.Errorf("%w: to=%s", ErrRelationEndpointMissing, in.To)
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	weight := in.Weight
	if weight == 0 {
		weight = 1.0
	}

	rel := Relation{ID: id, From: in.From, To: in.To, Type: in.Type, Metadata: in.Metadata, Weight: weight}
	data, err := encoding.EncodeJSON(rel)
	if err != nil {
		return "", fmt.Errorf("entity: encode relation %s: %w", id, err)
	}
	if err := s.adapter.Put(ctx, "entities/verbs/"+id, data); err != nil {
		return "", fmt.Errorf("entity: write relation %s: %w", id, err)
	}
	if _, err := s.cow.WriteBlob(ctx, "entities/verbs/"+id, data); err != nil {
		s.logger.Warn("cow stage relation failed", "id", id, "error", err)
	}

	s.graph.Link(graphidx.Relation{ID: id, From: in.From, To: in.To, Type: in.Type, Metadata: in.Metadata})
	return id, nil
}

func (s *Store) writeRecord(ctx context.Context, id string, full Entity) error {
	fullData, err := encoding.EncodeJSON(entityRecord{full})
	if err != nil {
		return fmt.Errorf("entity: encode %s: %w", id, err)
	}
	if err := s.adapter.Put(ctx, storageadapter.ShardedVectorKey(id), fullData); err != nil {
		return fmt.Errorf("entity: write vector record %s: %w", id, err)
	}

	metaOnly := full
	metaOnly.Vector = []float32{}
	metaData, err := encoding.EncodeJSON(entityRecord{metaOnly})
	if err != nil {
		return fmt.Errorf("entity: encode metadata record %s: %w", id, err)
	}
	if err := s.adapter.Put(ctx, storageadapter.ShardedMetadataKey(id), metaData); err != nil {
		return fmt.Errorf("entity: write metadata record %s: %w", id, err)
	}

	if _, err := s.cow.WriteBlob(ctx, id, fullData); err != nil {
		s.logger.Warn("cow stage entity failed", "id", id, "error", err)
	}
	return nil
}

func (s *Store) readRecord(ctx context.Context, key string) (Entity, error) {
	data, err := s.adapter.Get(ctx, key)
	if errors.Is(err, storageadapter.ErrNotFound) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("entity: read %s: %w", key, err)
	}
	var rec entityRecord
	if err := encoding.DecodeJSON(data, &rec); err != nil {
		return Entity{}, fmt.Errorf("entity: decode %s: %w", key, err)
	}
	return rec.Entity, nil
}

// indexableFields flattens an entity's scalar fields for the metadata
// index: user metadata plus the first-class scalar fields a where clause
// can filter on.
func indexableFields(e Entity) map[string]any {
	fields := map[string]any{
		"type":    e.Type,
		"data":    e.Data,
		"version": float64(e.Version),
	}
	if e.IsVFS {
		fields["isVFS"] = true
	}
	if e.VFSType != "" {
		fields["vfsType"] = e.VFSType
	}
	if e.Path != "" {
		fields["path"] = e.Path
	}
	if e.EmbeddingModel != "" {
		fields["embeddingModel"] = e.EmbeddingModel
	}
	for k, v := range e.Metadata {
		fields[k] = v
	}
	return fields
}
