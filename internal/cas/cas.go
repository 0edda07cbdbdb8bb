// Package cas provides content-addressed, deduplicated blob storage with
// reference counting and garbage collection.
package cas

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/sha256-simd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/recordvault/recordvault/internal/capacity"
	"github.com/recordvault/recordvault/internal/vaulterr"
)

const lockStripes = 64

// Config configures a Store.
type Config struct {
	Dir string

	// EncryptionKey enables convergent encryption of blob files. Identical
	// content still yields identical files, so deduplication is kept.
	EncryptionKey *[32]byte

	// CompressionLevel is a zstd level (1 fastest .. 22 smallest). Zero uses
	// the library default.
	CompressionLevel int

	// GCGrace is how long a blob must stay at zero references before GC
	// reclaims it.
	GCGrace time.Duration

	Capacity *capacity.Guard
	NoSync   bool
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Store is the content-addressed blob store. Blob files live under
// {dir}/{hash[:2]}/{hash}; reference counts live in {dir}/refs.
type Store struct {
	blobsDir string
	refs     *refTable
	key      *[32]byte
	grace    time.Duration
	guard    *capacity.Guard
	noSync   bool
	now      func() time.Time
	logger   zerolog.Logger

	locks [lockStripes]sync.Mutex
	gcMu  sync.Mutex

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// Open opens or creates a blob store.
func Open(cfg Config) (*Store, error) {
	blobsDir := filepath.Join(cfg.Dir, "data")
	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return nil, fmt.Errorf("create blobs dir: %w", err)
	}
	refs, err := openRefTable(filepath.Join(cfg.Dir, "refs"), cfg.NoSync)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	level := zstd.SpeedDefault
	if cfg.CompressionLevel > 0 {
		level = zstd.EncoderLevelFromZstd(cfg.CompressionLevel)
	}

	s := &Store{
		blobsDir: blobsDir,
		refs:     refs,
		key:      cfg.EncryptionKey,
		grace:    cfg.GCGrace,
		guard:    cfg.Capacity,
		noSync:   cfg.NoSync,
		now:      now,
		logger:   cfg.Logger.With().Str("component", "cas").Logger(),
	}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return s, nil
}

// Store saves data and returns its content hash. Storing content that is
// already present only increments its reference count.
func (s *Store) Store(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := ContentHash(data)

	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	n, err := s.refs.count(hash)
	if err != nil {
		return "", err
	}

	if !fileExists(s.blobPath(hash)) {
		if n > 0 {
			s.logger.Warn().Str("blob", hash).Uint64("refs", n).Msg("Referenced blob file missing, rewriting")
		}
		if err := s.guard.Check(int64(len(data))); err != nil {
			return "", err
		}
		if err := s.writeBlob(hash, data); err != nil {
			return "", vaulterr.Transient(err)
		}
	}

	if err := s.refs.setCount(hash, n+1, s.now()); err != nil {
		return "", vaulterr.Transient(err)
	}
	return hash, nil
}

// Retrieve returns the content for id, verifying it against its hash.
func (s *Store) Retrieve(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateHash(id); err != nil {
		return nil, err
	}
	path := s.blobPath(id)

	// Writes use atomic rename, so readers see either the whole file or
	// nothing.
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, vaulterr.NotFound("blob", id)
	}
	if err != nil {
		return nil, vaulterr.Transient(fmt.Errorf("read blob: %w", err))
	}

	compressed, err := s.decrypt(raw, id)
	if err != nil {
		return nil, &vaulterr.CorruptionError{Path: path, Key: id, Expected: "authentic ciphertext", Actual: err.Error()}
	}
	data, err := s.decompress(compressed)
	if err != nil {
		return nil, &vaulterr.CorruptionError{Path: path, Key: id, Expected: "zstd frame", Actual: err.Error()}
	}
	if actual := ContentHash(data); actual != id {
		return nil, &vaulterr.CorruptionError{Path: path, Key: id, Expected: id, Actual: actual}
	}
	return data, nil
}

// Release drops one reference to id. At zero the blob becomes eligible for
// garbage collection. Releasing an unreferenced blob is an error and leaves the
// count at zero.
func (s *Store) Release(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateHash(id); err != nil {
		return err
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	n, err := s.refs.count(id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("release blob %s with no references: %w", id, vaulterr.ErrInvalid)
	}
	if err := s.refs.setCount(id, n-1, s.now()); err != nil {
		return vaulterr.Transient(err)
	}
	return nil
}

// RefCount returns the current reference count for id.
func (s *Store) RefCount(id string) (uint64, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()
	return s.refs.count(id)
}

// Exists reports whether a blob file is present for id.
func (s *Store) Exists(id string) bool {
	if validateHash(id) != nil {
		return false
	}
	return fileExists(s.blobPath(id))
}

// Stats summarizes the store.
type Stats struct {
	Blobs      int64  `json:"blobs"`
	References uint64 `json:"references"`
	ZeroRef    int64  `json:"zero_ref"`
	Bytes      int64  `json:"bytes"`
}

// Stats walks the store and reference table.
func (s *Store) Stats() (Stats, error) {
	referenced, refs, zero, err := s.refs.totals()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Blobs: referenced + zero, References: refs, ZeroRef: zero}
	err = filepath.WalkDir(s.blobsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			st.Bytes += info.Size()
		}
		return nil
	})
	return st, err
}

// Verify reads back every blob and returns the ids that fail verification.
func (s *Store) Verify(ctx context.Context) ([]string, error) {
	hashes, err := s.listBlobs()
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		bad []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, h := range hashes {
		g.Go(func() error {
			_, err := s.Retrieve(gctx, h)
			if errors.Is(err, vaulterr.ErrCorruption) {
				mu.Lock()
				bad = append(bad, h)
				mu.Unlock()
				return nil
			}
			if errors.Is(err, vaulterr.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bad, nil
}

// Close closes the reference table.
func (s *Store) Close() error {
	return s.refs.close()
}

func (s *Store) writeBlob(hash string, data []byte) error {
	compressed := s.compress(data)
	payload, err := s.encrypt(compressed, hash)
	if err != nil {
		return err
	}

	path := s.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write blob: %w", err)
	}
	if !s.noSync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("sync blob: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

// listBlobs returns the hash of every blob file on disk.
func (s *Store) listBlobs() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.blobsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if validateHash(d.Name()) == nil {
			out = append(out, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return out, nil
}

// blobPath returns {blobsDir}/{hash[:2]}/{hash}.
func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.blobsDir, hash[:2], hash)
}

func (s *Store) lock(hash string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	return &s.locks[h.Sum32()%lockStripes]
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func validateHash(id string) error {
	if len(id) != sha256.Size*2 {
		return fmt.Errorf("malformed blob id %q: %w", id, vaulterr.ErrInvalid)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return fmt.Errorf("malformed blob id %q: %w", id, vaulterr.ErrInvalid)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
