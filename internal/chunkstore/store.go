// Package chunkstore persists records as a per-kind metadata manifest plus one
// file per named chunk, so listing never reads chunk payloads and rewriting a
// chunk never rewrites the record.
package chunkstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/sha256-simd"
	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/vaulterr"
)

// BlobReleaser drops blob references held by chunks.
type BlobReleaser interface {
	Release(ctx context.Context, id string) error
}

// Config configures a Store.
type Config struct {
	Dir    string
	Blobs  BlobReleaser
	NoSync bool
	Logger zerolog.Logger
}

// Store is the chunked entity store. Metadata lives in memory and is written
// to each kind's manifest by Sync; chunk files are written immediately. The
// write-ahead log covers the gap between the two.
type Store struct {
	dir    string
	blobs  BlobReleaser
	noSync bool
	logger zerolog.Logger

	mu      sync.RWMutex
	records map[string]*record.Record
	dirty   map[record.Kind]bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open loads every manifest under cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create entities dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{
		dir:     cfg.Dir,
		blobs:   cfg.Blobs,
		noSync:  cfg.NoSync,
		logger:  cfg.Logger.With().Str("component", "chunkstore").Logger(),
		records: make(map[string]*record.Record),
		dirty:   make(map[record.Kind]bool),
		encoder: enc,
		decoder: dec,
	}

	for _, kind := range record.Kinds {
		recs, err := readManifest(s.manifestPath(kind))
		if err != nil {
			return nil, err
		}
		for id, rec := range recs {
			if other, ok := s.records[id]; ok {
				return nil, fmt.Errorf("record %s present as both %s and %s: %w", id, other.Kind, kind, vaulterr.ErrCorruption)
			}
			s.records[id] = rec
		}
	}
	return s, nil
}

// SaveMetadata creates or replaces a record's metadata. Chunk references are
// owned by SaveChunk and DeleteRecord and are kept as stored.
func (s *Store) SaveMetadata(ctx context.Context, rec *record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(rec.ID); err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	if _, err := record.ParseKind(string(rec.Kind)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := rec.Clone()
	next.Chunks = nil
	if cur, ok := s.records[rec.ID]; ok {
		if cur.Kind != rec.Kind {
			return fmt.Errorf("record %s is a %s, not a %s: %w", rec.ID, cur.Kind, rec.Kind, vaulterr.ErrInvalid)
		}
		next.Chunks = cur.Chunks
	}
	s.records[rec.ID] = next
	s.dirty[rec.Kind] = true
	return nil
}

// LoadMetadata returns a copy of the record's metadata. If a chunk file listed
// in the metadata is missing, the record is returned together with an error
// wrapping ErrNeedsRepair.
func (s *Store) LoadMetadata(ctx context.Context, id string) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[id]
	if ok {
		rec = rec.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, vaulterr.NotFound("record", id)
	}

	for _, name := range slices.Sorted(maps.Keys(rec.Chunks)) {
		if !fileExists(s.chunkPath(rec.Kind, id, name)) {
			return rec, fmt.Errorf("record %s chunk %s missing: %w", id, name, vaulterr.ErrNeedsRepair)
		}
	}
	return rec, nil
}

// Has reports whether metadata exists for id.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// SaveChunk writes a chunk and points the record at it. Each chunk version
// owns one reference per blob it lists: the caller must already hold the new
// version's references, and the previous version's are released.
func (s *Store) SaveChunk(ctx context.Context, id string, chunk record.Chunk) (record.ChunkRef, error) {
	if err := ctx.Err(); err != nil {
		return record.ChunkRef{}, err
	}
	if err := validateName(chunk.Name); err != nil {
		return record.ChunkRef{}, fmt.Errorf("chunk name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return record.ChunkRef{}, vaulterr.NotFound("record", id)
	}

	sum := sha256.Sum256(chunk.Data)
	ref := record.ChunkRef{
		Size:     int64(len(chunk.Data)),
		Checksum: hex.EncodeToString(sum[:]),
		Items:    chunk.Items,
		Blobs:    slices.Clone(chunk.Blobs),
	}

	path := s.chunkPath(rec.Kind, id, chunk.Name)
	if err := s.writeFile(path, s.encoder.EncodeAll(chunk.Data, nil)); err != nil {
		return record.ChunkRef{}, vaulterr.Transient(fmt.Errorf("write chunk %s/%s: %w", id, chunk.Name, err))
	}

	old := rec.Chunks[chunk.Name]
	if rec.Chunks == nil {
		rec.Chunks = make(map[string]record.ChunkRef)
	}
	rec.Chunks[chunk.Name] = ref
	s.dirty[rec.Kind] = true

	s.releaseBlobs(ctx, id, old.Blobs)
	return ref, nil
}

// LoadChunk reads and verifies a chunk.
func (s *Store) LoadChunk(ctx context.Context, id, name string) (*record.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[id]
	var (
		ref   record.ChunkRef
		found bool
		kind  record.Kind
	)
	if ok {
		ref, found = rec.Chunks[name]
		ref.Blobs = slices.Clone(ref.Blobs)
		kind = rec.Kind
	}
	s.mu.RUnlock()

	if !ok {
		return nil, vaulterr.NotFound("record", id)
	}
	if !found {
		return nil, vaulterr.NotFound("chunk", id+"/"+name)
	}

	path := s.chunkPath(kind, id, name)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("record %s chunk %s missing: %w", id, name, vaulterr.ErrNeedsRepair)
	}
	if err != nil {
		return nil, vaulterr.Transient(fmt.Errorf("read chunk: %w", err))
	}
	data, err := s.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, &vaulterr.CorruptionError{Path: path, Key: id + "/" + name, Expected: "zstd frame", Actual: err.Error()}
	}
	sum := sha256.Sum256(data)
	if actual := hex.EncodeToString(sum[:]); actual != ref.Checksum {
		return nil, &vaulterr.CorruptionError{Path: path, Key: id + "/" + name, Expected: ref.Checksum, Actual: actual}
	}
	return &record.Chunk{Name: name, Items: ref.Items, Blobs: ref.Blobs, Data: data}, nil
}

// DeleteChunk removes one chunk and releases its blobs.
func (s *Store) DeleteChunk(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return vaulterr.NotFound("record", id)
	}
	ref, ok := rec.Chunks[name]
	if !ok {
		return vaulterr.NotFound("chunk", id+"/"+name)
	}
	if err := removeFile(s.chunkPath(rec.Kind, id, name)); err != nil {
		return vaulterr.Transient(err)
	}
	delete(rec.Chunks, name)
	s.dirty[rec.Kind] = true
	s.releaseBlobs(ctx, id, ref.Blobs)
	return nil
}

// DeleteRecord removes a record: chunk files first, then blob references,
// then the metadata entry. A crash part way leaves metadata that points at
// missing chunks, which LoadMetadata reports as needing repair.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return vaulterr.NotFound("record", id)
	}

	names := slices.Sorted(maps.Keys(rec.Chunks))
	for _, name := range names {
		if err := removeFile(s.chunkPath(rec.Kind, id, name)); err != nil {
			return vaulterr.Transient(err)
		}
	}
	for _, name := range names {
		s.releaseBlobs(ctx, id, rec.Chunks[name].Blobs)
		delete(rec.Chunks, name)
	}
	_ = os.Remove(s.chunkDir(rec.Kind, id))

	delete(s.records, id)
	s.dirty[rec.Kind] = true
	return nil
}

// ListAllMetadata yields a copy of every record, ordered by id. Each range over
// the sequence starts again from the current state.
func (s *Store) ListAllMetadata() iter.Seq2[*record.Record, error] {
	return s.list(func(*record.Record) bool { return true })
}

// ListKind yields the records of one kind, ordered by id.
func (s *Store) ListKind(kind record.Kind) iter.Seq2[*record.Record, error] {
	return s.list(func(r *record.Record) bool { return r.Kind == kind })
}

func (s *Store) list(keep func(*record.Record) bool) iter.Seq2[*record.Record, error] {
	return func(yield func(*record.Record, error) bool) {
		s.mu.RLock()
		ids := slices.Sorted(maps.Keys(s.records))
		s.mu.RUnlock()

		for _, id := range ids {
			s.mu.RLock()
			rec, ok := s.records[id]
			if ok {
				rec = rec.Clone()
			}
			s.mu.RUnlock()
			if !ok || !keep(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// BlobRefs yields every blob reference held by any chunk.
func (s *Store) BlobRefs() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for rec, err := range s.ListAllMetadata() {
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range rec.BlobRefs() {
				if !yield(id, nil) {
					return
				}
			}
		}
	}
}

// Count returns the number of records per kind.
func (s *Store) Count() map[record.Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[record.Kind]int, len(record.Kinds))
	for _, rec := range s.records {
		out[rec.Kind]++
	}
	return out
}

// Sync writes every manifest changed since the last sync.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range slices.Sorted(maps.Keys(s.dirty)) {
		recs := make(map[string]*record.Record)
		for id, rec := range s.records {
			if rec.Kind == kind {
				recs[id] = rec
			}
		}
		if err := s.writeManifest(kind, recs); err != nil {
			return err
		}
		delete(s.dirty, kind)
	}
	return nil
}

// Close syncs manifests and releases codec resources.
func (s *Store) Close() error {
	err := s.Sync()
	_ = s.encoder.Close()
	s.decoder.Close()
	return err
}

func (s *Store) releaseBlobs(ctx context.Context, id string, blobs []string) {
	if s.blobs == nil {
		return
	}
	for _, b := range blobs {
		// A failed release leaves the count high, never low; reference
		// rebuild corrects it.
		if err := s.blobs.Release(ctx, b); err != nil {
			s.logger.Warn().Err(err).
				Str("record", id).
				Str("blob", b).
				Msg("Failed to release blob reference")
		}
	}
}

func (s *Store) manifestPath(kind record.Kind) string {
	return filepath.Join(s.dir, string(kind), "manifest.json")
}

func (s *Store) chunkDir(kind record.Kind, id string) string {
	return filepath.Join(s.dir, string(kind), "chunks", id)
}

func (s *Store) chunkPath(kind record.Kind, id, name string) string {
	return filepath.Join(s.chunkDir(kind, id), name+".zst")
}

// validateName rejects ids and chunk names that could escape their directory.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty: %w", vaulterr.ErrInvalid)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("null bytes not allowed: %w", vaulterr.ErrInvalid)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid name %q: %w", name, vaulterr.ErrInvalid)
	}
	return nil
}
