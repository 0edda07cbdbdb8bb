package cas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// GCStats reports what a garbage collection pass did.
type GCStats struct {
	Candidates     int           `json:"candidates"`
	BlobsDeleted   int           `json:"blobs_deleted"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Revived        int           `json:"revived"`
	Orphans        int           `json:"orphans"`
	TempFiles      int           `json:"temp_files"`
	Duration       time.Duration `json:"duration"`
}

// CollectGarbage deletes blobs whose reference count has been zero for at
// least the grace period. Each candidate's count is re-checked under its lock
// right before deletion, so a concurrent Store of the same content wins.
//
// Blob files with no reference entry at all (left by a crash between the file
// write and the count update) are reclaimed if they predate this run.
func (s *Store) CollectGarbage(ctx context.Context) (*GCStats, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	start := s.now()
	stats := &GCStats{}

	candidates, err := s.refs.zeroCandidates(start.Add(-s.grace))
	if err != nil {
		return nil, fmt.Errorf("list gc candidates: %w", err)
	}
	stats.Candidates = len(candidates)

	for _, hash := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		deleted, size, err := s.reclaim(hash, start, true)
		if err != nil {
			return stats, err
		}
		if deleted {
			stats.BlobsDeleted++
			stats.BytesReclaimed += size
		} else {
			stats.Revived++
		}
	}

	if err := s.sweepOrphans(ctx, start, stats); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	if stats.BlobsDeleted > 0 || stats.Orphans > 0 {
		s.logger.Info().
			Int("deleted", stats.BlobsDeleted).
			Int("orphans", stats.Orphans).
			Int64("bytes", stats.BytesReclaimed).
			Dur("duration", stats.Duration).
			Msg("Garbage collection complete")
	}
	return stats, nil
}

// reclaim deletes hash if it is still unreferenced. zeroMarked requires the
// zero marker to still be present and old enough; otherwise the hash must be
// completely unknown to the reference table.
func (s *Store) reclaim(hash string, start time.Time, zeroMarked bool) (bool, int64, error) {
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	n, err := s.refs.count(hash)
	if err != nil {
		return false, 0, err
	}
	if n > 0 {
		return false, 0, nil
	}
	if zeroMarked {
		since, ok, err := s.refs.zeroSince(hash)
		if err != nil {
			return false, 0, err
		}
		if !ok || since.After(start.Add(-s.grace)) {
			return false, 0, nil
		}
	} else {
		known, err := s.refs.known(hash)
		if err != nil || known {
			return false, 0, err
		}
	}

	path := s.blobPath(hash)
	var size int64
	if info, err := os.Stat(path); err == nil {
		if !zeroMarked && !info.ModTime().Before(start) {
			return false, 0, nil
		}
		size = info.Size()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, 0, fmt.Errorf("delete blob: %w", err)
	}
	if err := s.refs.forget(hash); err != nil {
		return false, 0, err
	}
	return true, size, nil
}

func (s *Store) sweepOrphans(ctx context.Context, start time.Time, stats *GCStats) error {
	return filepath.WalkDir(s.blobsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".blob-") {
			// Leftover temp file from an interrupted write.
			if info, err := d.Info(); err == nil && info.ModTime().Before(start) {
				if os.Remove(path) == nil {
					stats.TempFiles++
				}
			}
			return nil
		}
		if validateHash(name) != nil {
			return nil
		}
		known, err := s.refs.known(name)
		if err != nil || known {
			return err
		}
		deleted, size, err := s.reclaim(name, start, false)
		if err != nil {
			return err
		}
		if deleted {
			stats.Orphans++
			stats.BytesReclaimed += size
		}
		return nil
	})
}

// RebuildStats reports the outcome of RebuildReferences.
type RebuildStats struct {
	Blobs      int `json:"blobs"`
	References int `json:"references"`
	Missing    int `json:"missing"`
	Unused     int `json:"unused"`
}

// RebuildReferences replaces every reference count with the number of times
// each blob id is yielded by refs. Blob files no longer referenced become GC
// candidates. No Store or Release may run concurrently.
func (s *Store) RebuildReferences(ctx context.Context, refs iter.Seq2[string, error]) (*RebuildStats, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	counts := make(map[string]uint64)
	stats := &RebuildStats{}
	for id, err := range refs {
		if err != nil {
			return nil, fmt.Errorf("scan blob references: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		counts[id]++
		stats.References++
	}
	stats.Blobs = len(counts)

	present, err := s.listBlobs()
	if err != nil {
		return nil, err
	}
	onDisk := make(map[string]bool, len(present))
	for _, h := range present {
		onDisk[h] = true
		if counts[h] == 0 {
			stats.Unused++
		}
	}
	for h := range counts {
		if !onDisk[h] {
			stats.Missing++
			s.logger.Warn().Str("blob", h).Msg("Referenced blob is missing from disk")
		}
	}

	if err := s.refs.replace(counts, present, s.now()); err != nil {
		return nil, err
	}
	s.logger.Info().
		Int("blobs", stats.Blobs).
		Int("references", stats.References).
		Int("unused", stats.Unused).
		Int("missing", stats.Missing).
		Msg("Blob references rebuilt")
	return stats, nil
}
