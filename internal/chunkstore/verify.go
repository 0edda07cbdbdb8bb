package chunkstore

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/recordvault/recordvault/internal/vaulterr"
)

// Problem is a chunk that failed verification.
type Problem struct {
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
	Err   string `json:"error"`
	// Missing is true when the chunk file is absent rather than corrupt.
	Missing bool `json:"missing"`
}

// Verify loads every chunk and reports the ones that are missing or corrupt.
func (s *Store) Verify(ctx context.Context) ([]Problem, error) {
	type target struct{ id, name string }
	var targets []target

	s.mu.RLock()
	for _, id := range slices.Sorted(maps.Keys(s.records)) {
		for _, name := range slices.Sorted(maps.Keys(s.records[id].Chunks)) {
			targets = append(targets, target{id, name})
		}
	}
	s.mu.RUnlock()

	var (
		mu       sync.Mutex
		problems []Problem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, tg := range targets {
		g.Go(func() error {
			_, err := s.LoadChunk(gctx, tg.id, tg.name)
			switch {
			case err == nil, errors.Is(err, vaulterr.ErrNotFound):
				// Deleted since the scan started.
				return nil
			case errors.Is(err, vaulterr.ErrNeedsRepair), errors.Is(err, vaulterr.ErrCorruption):
				mu.Lock()
				problems = append(problems, Problem{
					ID:      tg.id,
					Chunk:   tg.name,
					Err:     err.Error(),
					Missing: errors.Is(err, vaulterr.ErrNeedsRepair),
				})
				mu.Unlock()
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(problems, func(a, b Problem) int {
		return cmp.Or(cmp.Compare(a.ID, b.ID), cmp.Compare(a.Chunk, b.Chunk))
	})
	return problems, nil
}

// Repair drops chunk references whose files are missing and releases their
// blob references. Corrupt chunks are left alone; they need an explicit
// restore. It returns the names of the dropped chunks.
func (s *Store) Repair(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, vaulterr.NotFound("record", id)
	}
	var removed []string
	for _, name := range slices.Sorted(maps.Keys(rec.Chunks)) {
		if fileExists(s.chunkPath(rec.Kind, id, name)) {
			continue
		}
		blobs := rec.Chunks[name].Blobs
		delete(rec.Chunks, name)
		s.releaseBlobs(ctx, id, blobs)
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		s.dirty[rec.Kind] = true
		s.logger.Info().
			Str("record", id).
			Strs("chunks", removed).
			Msg("Dropped dangling chunk references")
	}
	return removed, nil
}
