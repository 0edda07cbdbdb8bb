package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/recordvault/recordvault/internal/cas"
	"github.com/recordvault/recordvault/internal/vaulterr"
)

const blobCachePrefix = "blob/"

// StoreBlob stores data and returns its content id. The caller owns one
// reference, which it either hands to a chunk through PutChunk or gives back
// with ReleaseBlob.
func (e *Engine) StoreBlob(ctx context.Context, data []byte) (_ string, err error) {
	exit, err := e.enter("store_blob")
	if err != nil {
		return "", err
	}
	defer exit(&err)

	id, err := e.blobs.Store(ctx, data)
	if err != nil {
		return "", err
	}
	e.metrics.RecordBlobStore()
	return id, nil
}

// RetrieveBlob returns the content stored under id, verified against it.
func (e *Engine) RetrieveBlob(ctx context.Context, id string) (_ []byte, err error) {
	exit, err := e.enter("retrieve_blob")
	if err != nil {
		return nil, err
	}
	defer exit(&err)

	v, err := e.cache.GetOrLoad(ctx, blobCachePrefix+id, 0, func(ctx context.Context) (any, error) {
		return e.blobs.Retrieve(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]byte)), nil
}

// ReleaseBlob gives back one reference. A blob left without references is
// reclaimed by the next garbage collection once its grace period has passed.
func (e *Engine) ReleaseBlob(ctx context.Context, id string) (err error) {
	exit, err := e.enter("release_blob")
	if err != nil {
		return err
	}
	defer exit(&err)

	return e.blobs.Release(ctx, id)
}

// BlobRefCount returns the reference count of a blob.
func (e *Engine) BlobRefCount(ctx context.Context, id string) (_ uint64, err error) {
	exit, err := e.enter("blob_refcount")
	if err != nil {
		return 0, err
	}
	defer exit(&err)
	return e.blobs.RefCount(id)
}

// CollectGarbage deletes blobs that have had no references for the grace
// period.
func (e *Engine) CollectGarbage(ctx context.Context) (_ *cas.GCStats, err error) {
	exit, err := e.enter("gc")
	if err != nil {
		return nil, err
	}
	defer exit(&err)
	return e.collectGarbage(ctx)
}

func (e *Engine) collectGarbage(ctx context.Context) (*cas.GCStats, error) {
	stats, err := e.blobs.CollectGarbage(ctx)
	if err != nil {
		return nil, err
	}
	if stats.BlobsDeleted > 0 {
		if _, err := e.cache.Invalidate(blobCachePrefix + "*"); err != nil {
			return nil, err
		}
	}
	e.metrics.RecordGC(stats.BlobsDeleted, stats.BytesReclaimed)
	return stats, nil
}

// RebuildReferences recounts every blob reference from the chunks that hold
// them. It drains the queue and holds off every other operation while it
// runs. References held by callers and not yet handed to a chunk are lost.
func (e *Engine) RebuildReferences(ctx context.Context) (_ *cas.RebuildStats, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("rebuild references: %w", vaulterr.ErrClosed)
	}
	start := e.now()
	defer func() { e.metrics.RecordOperation("rebuild_refs", err, e.now().Sub(start)) }()

	if err := e.queue.Flush(ctx); err != nil {
		return nil, err
	}
	return e.rebuildReferences(ctx)
}

// rebuildReferences needs the engine to itself: e.mu held exclusively, or
// no queue running yet.
func (e *Engine) rebuildReferences(ctx context.Context) (*cas.RebuildStats, error) {
	stats, err := e.blobs.RebuildReferences(ctx, e.entities.BlobRefs())
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Int("blobs", stats.Blobs).
		Int("references", stats.References).
		Int("missing", stats.Missing).
		Int("unused", stats.Unused).
		Msg("Blob references rebuilt")
	return stats, nil
}
