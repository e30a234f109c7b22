// Package typeinfer implements the type inference collaborator contract of
// §6: inferTypes(query, opts) -> [{type, confidence, matchedKeywords}],
// with a required keyword fast path and an optional vector-similarity
// fallback, grounded on the teacher's keyword/vector hybrid in
// pkg/semantic-router/{sparse,hybrid}.go.
package typeinfer

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/localbrain/cortex/pkg/embedding"
)

// Result is one candidate type returned by InferTypes, ordered by
// descending Confidence.
type Result struct {
	Type            string
	Confidence      float64
	MatchedKeywords []string
}

// Options tunes one InferTypes call.
type Options struct {
	MaxResults    int     // <= 0 means unbounded
	MinConfidence float64 // results below this are dropped
	UseVector     bool    // fall back to centroid similarity when an embedder is set and the best keyword hit scores below MinConfidence
}

// Inferer holds the registered per-type keyword vocabularies and optional
// vector centroids used for fallback scoring.
type Inferer struct {
	mu        sync.RWMutex
	keywords  map[string]map[string]bool // type -> keyword set
	centroids map[string][]float32       // type -> running mean embedding
	counts    map[string]int             // type -> number of vectors folded into its centroid
	embedder  embedding.Embedder         // optional; nil disables the vector fallback
}

// New builds an Inferer. embedder may be nil, which disables the vector
// fallback entirely (keyword matching still works).
func New(embedder embedding.Embedder) *Inferer {
	return &Inferer{
		keywords:  make(map[string]map[string]bool),
		centroids: make(map[string][]float32),
		counts:    make(map[string]int),
		embedder:  embedder,
	}
}

// RegisterKeywords adds keywords (lowercased) to typ's vocabulary for the
// fast keyword path.
func (ix *Inferer) RegisterKeywords(typ string, keywords ...string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.keywords[typ]
	if !ok {
		set = make(map[string]bool)
		ix.keywords[typ] = set
	}
	for _, k := range keywords {
		set[strings.ToLower(k)] = true
	}
}

// Observe folds vector into typ's running centroid, used to build the
// vector-similarity fallback incrementally as entities are indexed rather
// than requiring an upfront training pass.
func (ix *Inferer) Observe(typ string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	centroid, ok := ix.centroids[typ]
	n := ix.counts[typ]
	if !ok {
		centroid = make([]float32, len(vector))
		copy(centroid, vector)
		ix.centroids[typ] = centroid
		ix.counts[typ] = 1
		return
	}
	if len(centroid) != len(vector) {
		return // dimension drift: ignore rather than corrupt the centroid
	}
	newN := float32(n + 1)
	for i, v := range vector {
		centroid[i] += (v - centroid[i]) / newN
	}
	ix.counts[typ] = n + 1
}

// InferTypes runs the keyword fast path over query, and — when no keyword
// match clears opts.MinConfidence and opts.UseVector is set with an
// embedder configured — falls back to cosine similarity against each
// type's observed centroid.
func (ix *Inferer) InferTypes(ctx context.Context, query string, opts Options) ([]Result, error) {
	keywordResults := ix.inferByKeyword(query)

	best := 0.0
	for _, r := range keywordResults {
		if r.Confidence > best {
			best = r.Confidence
		}
	}

	results := keywordResults
	if opts.UseVector && ix.embedder != nil && best < opts.MinConfidence {
		vecResults, err := ix.inferByVector(ctx, query)
		if err != nil {
			return nil, err
		}
		results = mergeBestByType(keywordResults, vecResults)
	}

	filtered := results[:0:0]
	for _, r := range results {
		if r.Confidence >= opts.MinConfidence {
			filtered = append(filtered, r)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Confidence != filtered[j].Confidence {
			return filtered[i].Confidence > filtered[j].Confidence
		}
		return filtered[i].Type < filtered[j].Type
	})
	if opts.MaxResults > 0 && len(filtered) > opts.MaxResults {
		filtered = filtered[:opts.MaxResults]
	}
	return filtered, nil
}

func (ix *Inferer) inferByKeyword(query string) []Result {
	terms := tokenize(query)
	termSet := make(map[string]bool, len(terms))
	for _, t := range terms {
		termSet[t] = true
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]Result, 0, len(ix.keywords))
	for typ, vocab := range ix.keywords {
		if len(vocab) == 0 {
			continue
		}
		var matched []string
		for term := range termSet {
			// A plural query term ("engineers") also matches its singular keyword.
			if vocab[term] || vocab[strings.TrimSuffix(term, "s")] {
				matched = append(matched, term)
			}
		}
		if len(matched) == 0 {
			continue
		}
		sort.Strings(matched)
		confidence := float64(len(matched)) / float64(len(vocab))
		if confidence > 1 {
			confidence = 1
		}
		out = append(out, Result{Type: typ, Confidence: confidence, MatchedKeywords: matched})
	}
	return out
}

func (ix *Inferer) inferByVector(ctx context.Context, query string) ([]Result, error) {
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]Result, 0, len(ix.centroids))
	for typ, centroid := range ix.centroids {
		sim := cosineSimilarity(vec, centroid)
		out = append(out, Result{Type: typ, Confidence: sim})
	}
	return out, nil
}

func mergeBestByType(a, b []Result) []Result {
	byType := make(map[string]Result, len(a)+len(b))
	for _, r := range a {
		byType[r.Type] = r
	}
	for _, r := range b {
		if existing, ok := byType[r.Type]; !ok || r.Confidence > existing.Confidence {
			byType[r.Type] = r
		}
	}
	out := make([]Result, 0, len(byType))
	for _, r := range byType {
		out = append(out, r)
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true,
	"find": true, "me": true, "please": true,
}

// tokenize lowercases and splits text on whitespace, dropping stop words
// and single-character tokens, mirroring the teacher's sparse.go tokenize.
func tokenize(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:")
		if !stopWords[w] && len(w) > 1 {
			terms = append(terms, w)
		}
	}
	return terms
}
