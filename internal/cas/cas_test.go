package cas

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordvault/recordvault/internal/capacity"
	"github.com/recordvault/recordvault/internal/vaulterr"
)

func newTestStore(t *testing.T, mutate ...func(*Config)) *Store {
	t.Helper()
	cfg := Config{Dir: t.TempDir(), NoSync: true, Logger: zerolog.Nop()}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAndRetrieve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := []byte("captured frame bytes")
	id, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ContentHash(data), id)
	assert.True(t, s.Exists(id))

	got, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("x"), 4096)
	id1, err := s.Store(ctx, data)
	require.NoError(t, err)
	id2, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	n, err := s.RefCount(id1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	hashes, err := s.listBlobs()
	require.NoError(t, err)
	assert.Equal(t, []string{id1}, hashes)
}

func TestRetrieveMissingAndMalformed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Retrieve(ctx, ContentHash([]byte("never stored")))
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)

	_, err = s.Retrieve(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
}

func TestRetrieveDetectsCorruption(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		t.Run(fmt.Sprintf("encrypted=%v", encrypted), func(t *testing.T) {
			s := newTestStore(t, func(c *Config) {
				if encrypted {
					var key [32]byte
					_, _ = rand.Read(key[:])
					c.EncryptionKey = &key
				}
			})
			ctx := context.Background()

			id, err := s.Store(ctx, []byte("important audio"))
			require.NoError(t, err)

			path := s.blobPath(id)
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			raw[len(raw)-1] ^= 0xff
			require.NoError(t, os.WriteFile(path, raw, 0644))

			_, err = s.Retrieve(ctx, id)
			assert.ErrorIs(t, err, vaulterr.ErrCorruption)

			bad, err := s.Verify(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{id}, bad)
		})
	}
}

func TestEncryptionKeepsDedup(t *testing.T) {
	var key [32]byte
	_, _ = rand.Read(key[:])
	s := newTestStore(t, func(c *Config) { c.EncryptionKey = &key })
	ctx := context.Background()

	data := []byte("same content")
	id, err := s.Store(ctx, data)
	require.NoError(t, err)
	first, err := os.ReadFile(s.blobPath(id))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(first, data))

	_, err = s.Store(ctx, data)
	require.NoError(t, err)
	second, err := os.ReadFile(s.blobPath(id))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, id))

	err = s.Release(ctx, id)
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)

	n, err := s.RefCount(id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCapacityGuardRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, func(c *Config) {
		c.Capacity = capacity.NewGuard(dir, 1<<62)
	})
	_, err := s.Store(context.Background(), []byte("too much"))
	assert.ErrorIs(t, err, vaulterr.ErrCapacity)
}

func TestConcurrentStoresOfSameContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("shared screenshot")

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Store(ctx, data)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := s.RefCount(ContentHash(data))
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), n)
}

func TestRefCountMatchesStoresMinusReleases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := []byte("h")
	id := ContentHash(data)
	var stores, releases uint64
	for i := range 30 {
		if i%3 == 2 && stores > releases {
			require.NoError(t, s.Release(ctx, id))
			releases++
			continue
		}
		_, err := s.Store(ctx, data)
		require.NoError(t, err)
		stores++
	}
	n, err := s.RefCount(id)
	require.NoError(t, err)
	assert.Equal(t, stores-releases, n)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Store(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = s.Store(ctx, []byte("a"))
	require.NoError(t, err)
	b, err := s.Store(ctx, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, b))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Blobs)
	assert.Equal(t, uint64(2), st.References)
	assert.Equal(t, int64(1), st.ZeroRef)
	assert.Positive(t, st.Bytes)
	assert.True(t, s.Exists(a))
}

func TestReopenKeepsCounts(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir, NoSync: true, Logger: zerolog.Nop(), Now: time.Now}
	s, err := Open(cfg)
	require.NoError(t, err)
	id, err := s.Store(context.Background(), []byte("persist me"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	n, err := s2.RefCount(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	hashes, err := s2.listBlobs()
	require.NoError(t, err)
	assert.True(t, slices.Contains(hashes, id))
	assert.FileExists(t, filepath.Join(dir, "data", id[:2], id))
}
