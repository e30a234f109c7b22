// Package blobstore implements the content-addressed layer described in
// spec §4.1: objects are hashed, optionally compressed, and stored under a
// type-prefixed key with a JSON metadata sidecar.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/flate"

	"github.com/localbrain/cortex/internal/encoding"
	"github.com/localbrain/cortex/pkg/storageadapter"
)

// ErrNotFound is returned when no object exists for a hash under any
// known type prefix.
var ErrNotFound = errors.New("blobstore: object not found")

// ErrCorruptBlob is returned when stored bytes don't hash to their key,
// or the metadata sidecar can't be parsed.
var ErrCorruptBlob = errors.New("blobstore: corrupt object")

// ObjectType is one of the three object kinds a hash can be stored as.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeCommit ObjectType = "commit"
	TypeTree   ObjectType = "tree"
)

// probeOrder is the auto-detect read fallback (§4.1 note 4): a historical
// bug wrote commit objects under the blob: prefix, so every lookup by hash
// alone must try commit, then tree, then blob before giving up.
var probeOrder = [...]ObjectType{TypeCommit, TypeTree, TypeBlob}

type sidecar struct {
	Type       string `json:"type"`
	Size       int    `json:"size"`
	Compressed bool   `json:"compressed,omitempty"`
}

// Store is the content-addressed object store, backed by any
// storageadapter.Adapter and fronted by an LRU read cache.
type Store struct {
	adapter       storageadapter.Adapter
	cache         *lru.Cache[string, []byte]
	compress      bool
	compressLevel int
}

// New builds a Store over adapter. cacheSize <= 0 falls back to 4096
// entries (spec §4.1 default). compressLevel is passed to klauspost's
// flate.NewWriter when compress is true.
func New(adapter storageadapter.Adapter, cacheSize int, compress bool, compressLevel int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("blobstore: create read cache: %w", err)
	}
	return &Store{adapter: adapter, cache: cache, compress: compress, compressLevel: compressLevel}, nil
}

func objectKey(t ObjectType, hash string) string { return string(t) + ":" + hash }
func metaKey(t ObjectType, hash string) string   { return string(t) + ":-meta:" + hash }

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Write stores data under the given type, returning its content hash.
func (s *Store) Write(ctx context.Context, t ObjectType, data []byte) (string, error) {
	hash := hashOf(data)
	payload := data
	compressed := false
	if s.compress {
		c, err := deflateBytes(data, s.compressLevel)
		if err == nil && len(c) < len(data) {
			payload, compressed = c, true
		}
	}

	if err := s.adapter.Put(ctx, objectKey(t, hash), payload); err != nil {
		return "", fmt.Errorf("blobstore: write %s:%s: %w", t, hash, err)
	}

	sc := sidecar{Type: string(t), Size: len(data), Compressed: compressed}
	scBytes, err := encoding.EncodeJSON(sc)
	if err != nil {
		return "", fmt.Errorf("blobstore: encode sidecar for %s:%s: %w", t, hash, err)
	}
	if err := s.adapter.Put(ctx, metaKey(t, hash), scBytes); err != nil {
		return "", fmt.Errorf("blobstore: write sidecar %s:%s: %w", t, hash, err)
	}

	s.cache.Add(hash, data)
	return hash, nil
}

// Read fetches the object for hash, auto-detecting its type by probing
// commit:, tree:, then blob: (§4.1). A hash/content mismatch or unreadable
// sidecar is reported as ErrCorruptBlob; a missing key as ErrNotFound.
func (s *Store) Read(ctx context.Context, hash string) ([]byte, error) {
	if cached, ok := s.cache.Get(hash); ok {
		return cached, nil
	}

	for _, t := range probeOrder {
		sc, err := s.readSidecar(ctx, t, hash)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		raw, err := s.adapter.Get(ctx, objectKey(t, hash))
		if err != nil {
			return nil, fmt.Errorf("blobstore: read %s:%s: %w", t, hash, err)
		}

		payload := raw
		if sc.Compressed {
			payload, err = inflateBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: inflate failed: %v", ErrCorruptBlob, hash, err)
			}
		}
		if hashOf(payload) != hash {
			return nil, fmt.Errorf("%w: %s", ErrCorruptBlob, hash)
		}

		s.cache.Add(hash, payload)
		return payload, nil
	}
	return nil, ErrNotFound
}

// Has reports whether an object exists for hash under any type prefix.
func (s *Store) Has(ctx context.Context, hash string) (bool, error) {
	for _, t := range probeOrder {
		_, err := s.readSidecar(ctx, t, hash)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}
	return false, nil
}

// Delete removes the object and its sidecar for hash, under whichever
// type prefix it was found.
func (s *Store) Delete(ctx context.Context, hash string) error {
	for _, t := range probeOrder {
		_, err := s.readSidecar(ctx, t, hash)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if err := s.adapter.Delete(ctx, objectKey(t, hash)); err != nil && !errors.Is(err, storageadapter.ErrNotFound) {
			return fmt.Errorf("blobstore: delete %s:%s: %w", t, hash, err)
		}
		if err := s.adapter.Delete(ctx, metaKey(t, hash)); err != nil && !errors.Is(err, storageadapter.ErrNotFound) {
			return fmt.Errorf("blobstore: delete sidecar %s:%s: %w", t, hash, err)
		}
		s.cache.Remove(hash)
		return nil
	}
	return ErrNotFound
}

// WriteMeta merges extra fields into the existing sidecar for hash,
// leaving the object payload untouched.
func (s *Store) WriteMeta(ctx context.Context, hash string, extra map[string]any) error {
	for _, t := range probeOrder {
		sc, err := s.readSidecar(ctx, t, hash)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		merged := map[string]any{"type": sc.Type, "size": sc.Size}
		if sc.Compressed {
			merged["compressed"] = true
		}
		for k, v := range extra {
			merged[k] = v
		}
		data, err := encoding.EncodeJSON(merged)
		if err != nil {
			return fmt.Errorf("blobstore: encode sidecar for %s:%s: %w", t, hash, err)
		}
		return s.adapter.Put(ctx, metaKey(t, hash), data)
	}
	return ErrNotFound
}

func (s *Store) readSidecar(ctx context.Context, t ObjectType, hash string) (sidecar, error) {
	data, err := s.adapter.Get(ctx, metaKey(t, hash))
	if errors.Is(err, storageadapter.ErrNotFound) {
		return sidecar{}, ErrNotFound
	}
	if err != nil {
		return sidecar{}, fmt.Errorf("blobstore: read sidecar %s:%s: %w", t, hash, err)
	}
	var sc sidecar
	if err := encoding.DecodeJSON(data, &sc); err != nil {
		return sidecar{}, fmt.Errorf("%w: sidecar for %s:%s unreadable: %v", ErrCorruptBlob, t, hash, err)
	}
	return sc, nil
}

func deflateBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflateBytes(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
