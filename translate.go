package cortex

import (
	"errors"

	"github.com/localbrain/cortex/pkg/cow"
	"github.com/localbrain/cortex/pkg/entity"
	"github.com/localbrain/cortex/pkg/index/hnsw"
	"github.com/localbrain/cortex/pkg/storageadapter"
	"github.com/localbrain/cortex/pkg/vfs"
)

// translateErr maps the per-package local sentinels of entity/cow/vfs/
// hnsw/storageadapter onto this module's own sentinel set (errors.go), so
// a caller can use errors.Is(err, cortex.ErrNotFound) regardless of which
// internal layer actually produced it. Unrecognized errors pass through
// unchanged.
func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, storageadapter.ErrNotFound), errors.Is(err, vfs.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, entity.ErrDimensionMismatch), errors.Is(err, hnsw.ErrDimensionMismatch):
		return ErrDimensionMismatch
	case errors.Is(err, entity.ErrMissingVector):
		return ErrMissingVector
	case errors.Is(err, cow.ErrNotFoundAtCommit):
		return ErrNotFoundAtCommit
	case errors.Is(err, cow.ErrInvalidCommit):
		return ErrInvalidCommit
	case errors.Is(err, cow.ErrDisabled):
		return ErrCowDisabled
	default:
		return err
	}
}
