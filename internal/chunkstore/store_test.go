package chunkstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/vaulterr"
)

type recordingReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *recordingReleaser) Release(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, id)
	return nil
}

func (r *recordingReleaser) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

func newTestStore(t *testing.T, dir string) (*Store, *recordingReleaser) {
	t.Helper()
	rel := &recordingReleaser{}
	s, err := Open(Config{Dir: dir, Blobs: rel, NoSync: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return s, rel
}

func newRecord(t *testing.T, id string, kind record.Kind, patch record.Patch) *record.Record {
	t.Helper()
	rec, err := record.Merge(nil, id, kind, patch, time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return rec
}

func TestSaveAndLoadMetadata(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "s1", record.KindSession, record.Patch{"name": "Focus"})))

	got, err := s.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Focus", got.Meta.Label())

	_, err = s.LoadMetadata(ctx, "missing")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)

	err = s.SaveMetadata(ctx, newRecord(t, "s1", record.KindNote, nil))
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)

	err = s.SaveMetadata(ctx, newRecord(t, "../escape", record.KindNote, nil))
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
}

func TestLoadMetadataReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "n1", record.KindNote, record.Patch{"title": "a"})))

	got, err := s.LoadMetadata(ctx, "n1")
	require.NoError(t, err)
	got.Meta.(*record.NoteMeta).Title = "mutated"

	again, err := s.LoadMetadata(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Meta.Label())
}

func TestSaveAndLoadChunk(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "s1", record.KindSession, nil)))

	ref, err := s.SaveChunk(ctx, "s1", record.Chunk{Name: "screenshots", Items: 2, Blobs: []string{"b1", "b2"}, Data: []byte(`[{"t":1},{"t":2}]`)})
	require.NoError(t, err)
	assert.Equal(t, int64(17), ref.Size)

	chunk, err := s.LoadChunk(ctx, "s1", "screenshots")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[{"t":1},{"t":2}]`), chunk.Data)
	assert.Equal(t, 2, chunk.Items)
	assert.Equal(t, []string{"b1", "b2"}, chunk.Blobs)

	meta, err := s.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, meta.Chunks, "screenshots")

	_, err = s.LoadChunk(ctx, "s1", "audio")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)

	_, err = s.SaveChunk(ctx, "nobody", record.Chunk{Name: "x"})
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestSaveMetadataKeepsChunkRefs(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir())
	ctx := context.Background()
	rec := newRecord(t, "s1", record.KindSession, nil)
	require.NoError(t, s.SaveMetadata(ctx, rec))
	_, err := s.SaveChunk(ctx, "s1", record.Chunk{Name: "frames", Data: []byte("x")})
	require.NoError(t, err)

	// rec was read before the chunk existed
	require.NoError(t, s.SaveMetadata(ctx, rec))
	got, err := s.LoadMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, got.Chunks, "frames")
}

func TestChunkOverwriteReleasesPreviousBlobs(t *testing.T) {
	s, rel := newTestStore(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "s1", record.KindSession, nil)))

	_, err := s.SaveChunk(ctx, "s1", record.Chunk{Name: "frames", Blobs: []string{"a", "b", "b"}, Data: []byte("1")})
	require.NoError(t, err)
	_, err = s.SaveChunk(ctx, "s1", record.Chunk{Name: "frames", Blobs: []string{"b", "c"}, Data: []byte("2")})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b", "b"}, rel.calls())
}

func TestCorruptChunkIsSurfaced(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, dir)
	ctx := context.Background()
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "s1", record.KindSession, nil)))
	_, err := s.SaveChunk(ctx, "s1", record.Chunk{Name: "frames", Data: []byte("original")})
	require.NoError(t, err)

	other, err := Open(Config{Dir: t.TempDir(), NoSync: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.chunkPath(record.KindSession, "s1", "frames"), other.encoder.EncodeAll([]byte("tampered"), nil), 0644))

	_, err = s.LoadChunk(ctx, "s1", "frames")
	assert.ErrorIs(t, err, vaulterr.ErrCorruption)

	problems, err := s.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.False(t, problems[0].Missing)
}

func TestDeleteRecord(t *testing.T) {
	dir := t.TempDir()
	s, rel := newTestStore(t, dir)
	ctx := context.Background()
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "s1", record.KindSession, nil)))
	_, err := s.SaveChunk(ctx, "s1", record.Chunk{Name: "frames", Blobs: []string{"a"}, Data: []byte("1")})
	require.NoError(t, err)
	_, err = s.SaveChunk(ctx, "s1", record.Chunk{Name: "audio", Blobs: []string{"a", "z"}, Data: []byte("2")})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRecord(ctx, "s1"))
	assert.ElementsMatch(t, []string{"a", "a", "z"}, rel.calls())
	assert.False(t, s.Has("s1"))
	assert.NoDirExists(t, filepath.Join(dir, "session", "chunks", "s1"))

	assert.ErrorIs(t, s.DeleteRecord(ctx, "s1"), vaulterr.ErrNotFound)
}

func TestMissingChunkNeedsRepair(t *testing.T) {
	s, rel := newTestStore(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "s1", record.KindSession, nil)))
	_, err := s.SaveChunk(ctx, "s1", record.Chunk{Name: "frames", Blobs: []string{"a"}, Data: []byte("1")})
	require.NoError(t, err)
	_, err = s.SaveChunk(ctx, "s1", record.Chunk{Name: "notes", Data: []byte("2")})
	require.NoError(t, err)

	require.NoError(t, os.Remove(s.chunkPath(record.KindSession, "s1", "frames")))

	rec, err := s.LoadMetadata(ctx, "s1")
	assert.ErrorIs(t, err, vaulterr.ErrNeedsRepair)
	require.NotNil(t, rec)

	_, err = s.LoadChunk(ctx, "s1", "frames")
	assert.ErrorIs(t, err, vaulterr.ErrNeedsRepair)

	problems, err := s.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.True(t, problems[0].Missing)

	removed, err := s.Repair(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"frames"}, removed)
	assert.Equal(t, []string{"a"}, rel.calls())

	_, err = s.LoadMetadata(ctx, "s1")
	assert.NoError(t, err)
}

func TestSyncPersistsManifest(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, dir)
	ctx := context.Background()
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "t1", record.KindTask, record.Patch{"title": "Ship <it>"})))
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "n1", record.KindNote, record.Patch{"title": "Idea"})))
	_, err := s.SaveChunk(ctx, "t1", record.Chunk{Name: "checklist", Items: 3, Data: []byte("[1,2,3]")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.FileExists(t, filepath.Join(dir, "task", "manifest.json"))
	assert.FileExists(t, filepath.Join(dir, "note", "manifest.json"))

	s2, _ := newTestStore(t, dir)
	got, err := s2.LoadMetadata(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Ship <it>", got.Meta.Label())
	assert.Equal(t, 3, got.Chunks["checklist"].Items)

	chunk, err := s2.LoadChunk(ctx, "t1", "checklist")
	require.NoError(t, err)
	assert.Equal(t, []byte("[1,2,3]"), chunk.Data)
	assert.Equal(t, map[record.Kind]int{record.KindTask: 1, record.KindNote: 1}, s2.Count())
}

func TestUnsyncedMetadataIsNotPersisted(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, dir)
	require.NoError(t, s.SaveMetadata(context.Background(), newRecord(t, "n1", record.KindNote, nil)))
	// no Sync: simulates a crash

	s2, _ := newTestStore(t, dir)
	assert.False(t, s2.Has("n1"))
}

func TestCorruptManifestFailsOpen(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, dir)
	require.NoError(t, s.SaveMetadata(context.Background(), newRecord(t, "n1", record.KindNote, record.Patch{"title": "abc"})))
	require.NoError(t, s.Sync())

	path := filepath.Join(dir, "note", "manifest.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for i := range data {
		if data[i] == 'a' && i > 0 && data[i-1] == '"' {
			data[i] = 'b'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(Config{Dir: dir, NoSync: true, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, vaulterr.ErrCorruption)
}

func TestListAllMetadataIsRestartable(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir())
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.SaveMetadata(ctx, newRecord(t, id, record.KindNote, nil)))
	}
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "t", record.KindTask, nil)))

	collect := func() []string {
		var ids []string
		for rec, err := range s.ListAllMetadata() {
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}
		return ids
	}
	assert.Equal(t, []string{"a", "b", "c", "t"}, collect())
	assert.Equal(t, []string{"a", "b", "c", "t"}, collect())

	var first []string
	for rec := range s.ListAllMetadata() {
		first = append(first, rec.ID)
		break
	}
	assert.Equal(t, []string{"a"}, first)

	var tasks []string
	for rec := range s.ListKind(record.KindTask) {
		tasks = append(tasks, rec.ID)
	}
	assert.Equal(t, []string{"t"}, tasks)
}

func TestBlobRefs(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "s1", record.KindSession, nil)))
	require.NoError(t, s.SaveMetadata(ctx, newRecord(t, "s2", record.KindSession, nil)))
	_, err := s.SaveChunk(ctx, "s1", record.Chunk{Name: "f", Blobs: []string{"x", "y"}, Data: []byte("1")})
	require.NoError(t, err)
	_, err = s.SaveChunk(ctx, "s2", record.Chunk{Name: "f", Blobs: []string{"x"}, Data: []byte("1")})
	require.NoError(t, err)

	var refs []string
	for id, err := range s.BlobRefs() {
		require.NoError(t, err)
		refs = append(refs, id)
	}
	assert.Equal(t, []string{"x", "y", "x"}, refs)
}
