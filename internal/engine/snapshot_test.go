package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/testutil"
)

func TestSnapshotAndRestore(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()

	put(t, e, "a", record.KindNote, record.Patch{"title": "alpha", "tags": []any{"keep"}})
	put(t, e, "s1", record.KindSession, record.Patch{"name": "recording"})
	shot, err := e.StoreBlob(ctx, []byte("png bytes"))
	require.NoError(t, err)
	require.NoError(t, e.PutChunk(ctx, "s1", record.Chunk{Name: "frames", Blobs: []string{shot}, Data: []byte("f")}, WithPriority(queue.Critical)))
	// Queued writes are drained into the snapshot.
	_, err = e.Put(ctx, "b", record.KindTask, record.Patch{"title": "beta"})
	require.NoError(t, err)

	info, err := e.Snapshot(ctx, "before cleanup")
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "before cleanup", info.Label)
	assert.Equal(t, 3, info.Records)
	assert.Equal(t, 1, info.Blobs)
	assert.Positive(t, info.Bytes)

	put(t, e, "c", record.KindNote, record.Patch{"title": "after"})
	require.NoError(t, e.Delete(ctx, "a", WithPriority(queue.Critical)))
	put(t, e, "s1", record.KindSession, record.Patch{"name": "renamed"})

	require.NoError(t, e.RestoreSnapshot(ctx, info.ID))

	for _, id := range []string{"a", "b", "s1"} {
		_, err := e.Get(ctx, id)
		assert.NoError(t, err, id)
	}
	_, err = e.Get(ctx, "c")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
	got, err := e.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "recording", got.Attributes()["name"])

	res, err := e.Query(ctx, Query{Filters: []Filter{{Field: "tag", Op: OpEq, Value: "keep"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.IDs)

	data, err := e.RetrieveBlob(ctx, shot)
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), data)
	refs, err := e.BlobRefCount(ctx, shot)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), refs)

	// Writes keep working after the swap.
	put(t, e, "d", record.KindNote, record.Patch{"title": "new"})
	_, err = e.Get(ctx, "d")
	require.NoError(t, err)
}

func TestSnapshotCatalog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Open(ctx, Options{Config: testConfig(dir), Logger: testutil.Logger(t)})
	require.NoError(t, err)
	put(t, e, "a", record.KindNote, record.Patch{"title": "alpha"})
	first, err := e.Snapshot(ctx, "first")
	require.NoError(t, err)
	second, err := e.Snapshot(ctx, "second")
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	r := openEngine(t, dir)
	list, err := r.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	require.NoError(t, r.DeleteSnapshot(ctx, first.ID))
	list, err = r.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	assert.ErrorIs(t, r.DeleteSnapshot(ctx, first.ID), vaulterr.ErrNotFound)
	assert.ErrorIs(t, r.RestoreSnapshot(ctx, first.ID), vaulterr.ErrNotFound)
}

func TestSnapshotRefusedWithOpenTransaction(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()
	put(t, e, "a", record.KindNote, record.Patch{"title": "alpha"})

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Snapshot(ctx, "busy")
	assert.ErrorIs(t, err, vaulterr.ErrConflict)

	require.NoError(t, tx.Rollback(ctx))
	_, err = e.Snapshot(ctx, "idle")
	require.NoError(t, err)
}
