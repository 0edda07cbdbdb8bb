package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCatalog(t *testing.T) {
	c := openCatalog(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.Add(ctx, Info{ID: "a", Created: base, WALSeq: 10, Records: 3, Blobs: 2, Bytes: 100}))
	require.NoError(t, c.Add(ctx, Info{ID: "b", Label: "before import", Created: base.Add(time.Hour), WALSeq: 20}))

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "before import", list[0].Label)
	assert.Equal(t, Info{ID: "a", Created: base, WALSeq: 10, Records: 3, Blobs: 2, Bytes: 100}, list[1])

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.WALSeq)

	_, err = c.Get(ctx, "zzz")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)

	require.NoError(t, c.Remove(ctx, "a"))
	assert.ErrorIs(t, c.Remove(ctx, "a"), vaulterr.ErrNotFound)

	// Duplicate ids are rejected.
	assert.Error(t, c.Add(ctx, Info{ID: "b", Created: base}))
}

func TestCatalogEmptyListIsNotNil(t *testing.T) {
	list, err := openCatalog(t).List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestCatalogReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	c, err := OpenCatalog(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, Info{ID: "a", Created: time.Now()}))
	require.NoError(t, c.Close())

	c, err = OpenCatalog(path, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCaptureAndRestore(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "entities/note/manifest.json"), "v1")
	write(t, filepath.Join(root, "blobs/ab/abcd"), "blob")
	write(t, filepath.Join(root, "blobs/refs/000001.log"), "refs")

	parts := []Part{
		{Name: "entities"},
		{Name: "blobs", Link: true, Skip: func(rel string) bool { return rel == "refs" }},
		{Name: "index"},
	}
	dir := filepath.Join(root, "snapshots", "s1")
	stats, err := Capture(root, dir, parts)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, int64(6), stats.Bytes)
	assert.NoFileExists(t, filepath.Join(dir, "blobs/refs/000001.log"))

	// Change the live data, then restore.
	write(t, filepath.Join(root, "entities/note/manifest.json"), "v2")
	write(t, filepath.Join(root, "entities/task/manifest.json"), "new")
	write(t, filepath.Join(root, "index/index.zst"), "idx")

	_, err = Restore(dir, root, parts)
	require.NoError(t, err)
	assert.Equal(t, "v1", read(t, filepath.Join(root, "entities/note/manifest.json")))
	assert.NoFileExists(t, filepath.Join(root, "entities/task/manifest.json"))
	assert.Equal(t, "blob", read(t, filepath.Join(root, "blobs/ab/abcd")))
	assert.NoDirExists(t, filepath.Join(root, "index"))
	assert.NoDirExists(t, filepath.Join(root, ".restore-old"))

	// The snapshot itself is untouched.
	assert.Equal(t, "v1", read(t, filepath.Join(dir, "entities/note/manifest.json")))
}

func TestCopyTreeMissingSource(t *testing.T) {
	stats, err := CopyTree(filepath.Join(t.TempDir(), "nope"), t.TempDir(), false, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Files)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	write(t, src, strings.Repeat("x", 1000))

	n, err := CopyFile(src, filepath.Join(dir, "a", "b", "dst"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	assert.Equal(t, read(t, src), read(t, filepath.Join(dir, "a", "b", "dst")))
}
