// Package storageadapter provides a backend-agnostic key/value abstraction
// over in-memory, local filesystem, embedded SQLite, and S3-compatible
// object storage, with UUID-prefix sharding and cursor-based pagination
// shared across all four.
package storageadapter

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when key does not exist. Backends must
// translate their native "no such key" error into this sentinel at the
// adapter boundary rather than leaking a generic I/O error.
var ErrNotFound = errors.New("storageadapter: key not found")

// ListOptions bounds and resumes a List call.
type ListOptions struct {
	// Limit caps the number of items returned; 0 means "all remaining".
	Limit int
	// Cursor resumes a prior List call; empty starts from the beginning.
	Cursor string
}

// ListResult is one page of a List call.
type ListResult struct {
	Items []string
	// NextCursor is empty when there are no more pages.
	NextCursor string
	// TotalCount is set on the first page (Cursor == "") and nil otherwise;
	// it is a capped estimate bounded by a safety cap, not an exact count
	// past that cap (see maxCountScan).
	TotalCount *int64
}

// Adapter is the uniform backend interface. All operations may suspend on I/O.
type Adapter interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, opts ListOptions) (ListResult, error)
	// Close releases backend resources (file handles, connections, clients).
	Close() error
}
