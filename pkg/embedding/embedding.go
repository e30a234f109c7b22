// Package embedding defines the embedding collaborator contract of §6
// ("embed(text) -> Vector<f32>, L2-normalized, fixed dimension D") and a
// deterministic, dependency-free implementation suitable for tests and for
// callers that have not wired a real model.
package embedding

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"

	"github.com/localbrain/cortex/internal/encoding"
)

// Errors related to embedder operations, mirroring the teacher's
// sqvect.Embedder sentinel set.
var (
	// ErrEmptyText is returned when an empty string is given to Embed.
	ErrEmptyText = errors.New("embedding: empty text")

	// ErrEmbeddingFailed is returned when an embedder fails to produce a vector.
	ErrEmbeddingFailed = errors.New("embedding: failed to produce vector")
)

// Embedder is the external collaborator that turns text into a fixed
// dimension, L2-normalized vector (§6). The core never instantiates an
// Embedder implementation bound to a real model itself — callers either
// wire one in or supply a precomputed vector on add.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// BaseEmbedder provides a default concurrent EmbedBatch built on top of a
// single-text Embed function, mirroring the teacher's sqvect.BaseEmbedder.
// Embedding implementations can embed this to get batch support for free.
type BaseEmbedder struct {
	EmbedFn func(ctx context.Context, text string) ([]float32, error)
	DimFn   func() int
}

func (b *BaseEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.EmbedFn(ctx, text)
}

func (b *BaseEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	type result struct {
		idx int
		vec []float32
		err error
	}
	ch := make(chan result, len(texts))
	for i, text := range texts {
		go func(idx int, t string) {
			vec, err := b.EmbedFn(ctx, t)
			ch <- result{idx: idx, vec: vec, err: err}
		}(i, text)
	}
	for range texts {
		r := <-ch
		results[r.idx] = r.vec
		errs[r.idx] = r.err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (b *BaseEmbedder) Dim() int { return b.DimFn() }

// HashEmbedder is a deterministic "feature hashing" embedder: every
// lowercase token is hashed into one of dim buckets and accumulated, then
// the result is L2-normalized. It produces no semantic meaning, but the
// same text always maps to the same unit vector, which is enough to drive
// the HNSW/metadata/graph plumbing in tests and in environments that have
// not wired a real model.
type HashEmbedder struct {
	base *BaseEmbedder
	dim  int
}

// NewHashEmbedder builds a HashEmbedder producing dim-dimensional vectors.
// dim <= 0 falls back to the spec's default dimension (384).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	h := &HashEmbedder{dim: dim}
	h.base = &BaseEmbedder{EmbedFn: h.embed, DimFn: h.Dim}
	return h
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return h.base.Embed(ctx, text)
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return h.base.EmbedBatch(ctx, texts)
}

func (h *HashEmbedder) Dim() int { return h.dim }

func (h *HashEmbedder) embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	vec := make([]float32, h.dim)
	for _, tok := range tokenize(text) {
		fn := fnv.New32a()
		_, _ = fn.Write([]byte(tok))
		bucket := int(fn.Sum32() % uint32(h.dim))
		vec[bucket]++
	}

	norm := encoding.Norm(vec)
	if norm == 0 {
		return nil, ErrEmbeddingFailed
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true,
}

// tokenize lowercases and splits text on whitespace, dropping stop words
// and single-character tokens.
func tokenize(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if !stopWords[w] && len(w) > 1 {
			terms = append(terms, w)
		}
	}
	return terms
}
