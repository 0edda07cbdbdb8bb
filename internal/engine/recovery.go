package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/internal/wal"
)

// RecoveryStats describes what opening the data directory had to repair.
type RecoveryStats struct {
	// Unclean is set when the previous run did not shut down through Close.
	Unclean bool `json:"unclean"`
	// Replayed counts log entries re-applied after the last checkpoint.
	Replayed int `json:"replayed"`
	// Skipped counts entries whose target no longer exists.
	Skipped int `json:"skipped"`
	// Discarded counts transactions without a commit marker.
	Discarded    int           `json:"discarded"`
	RefsRebuilt  bool          `json:"refs_rebuilt"`
	IndexRebuilt bool          `json:"index_rebuilt"`
	Duration     time.Duration `json:"duration"`
}

// recover replays the log into the stores, repairs derived state and writes a
// fresh checkpoint. The queue is not running yet.
func (e *Engine) recover(ctx context.Context) (RecoveryStats, error) {
	start := e.now()
	cp := e.log.LastCheckpoint()
	stats := RecoveryStats{Unclean: !cp.Clean}

	seq, loaded, err := e.index.Load(e.indexPath())
	staleIndex := err != nil || !loaded || seq != cp.Seq
	if err != nil {
		e.logger.Warn().Err(err).Msg("Saved index unreadable, rebuilding")
	}

	plan, err := e.log.Replay()
	if err != nil {
		return stats, fmt.Errorf("replay wal: %w", err)
	}
	stats.Discarded = plan.Discarded
	for _, entry := range plan.Entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		err := e.replay(ctx, entry)
		switch {
		case err == nil:
			stats.Replayed++
		case errors.Is(err, vaulterr.ErrNotFound):
			stats.Skipped++
			e.logger.Debug().Err(err).Uint64("seq", entry.Seq).Str("key", entry.Key).Msg("Replay target gone, skipping")
		default:
			return stats, fmt.Errorf("replay seq %d (%s %s): %w", entry.Seq, entry.Op, entry.Key, err)
		}
	}

	// Replayed chunk writes release the blobs of the version they overwrite,
	// which may already have been released once.
	if stats.Unclean || len(plan.Entries) > 0 {
		if _, err := e.rebuildReferences(ctx); err != nil {
			return stats, fmt.Errorf("rebuild blob references: %w", err)
		}
		stats.RefsRebuilt = true
	}
	if staleIndex {
		n, err := e.index.RebuildAll(e.entities.ListAllMetadata())
		if err != nil {
			return stats, fmt.Errorf("rebuild index: %w", err)
		}
		stats.IndexRebuilt = true
		e.logger.Info().Int("records", n).Msg("Index rebuilt")
	}

	if err := e.entities.Sync(); err != nil {
		return stats, err
	}
	last := e.log.LastSeq()
	if err := e.index.Save(e.indexPath(), last); err != nil {
		return stats, err
	}
	if err := e.log.Checkpoint(last, false); err != nil {
		return stats, err
	}

	stats.Duration = e.now().Sub(start)
	e.metrics.RecordRecovery(stats.Replayed, stats.Discarded, stats.Duration)
	if stats.Unclean || stats.Replayed > 0 {
		e.logger.Info().
			Int("replayed", stats.Replayed).
			Int("skipped", stats.Skipped).
			Int("discarded", stats.Discarded).
			Int("committed_tx", plan.Committed).
			Dur("duration", stats.Duration).
			Msg("Recovered from write-ahead log")
	}
	return stats, nil
}

// replay re-applies one logged mutation. Every apply path is idempotent.
func (e *Engine) replay(ctx context.Context, entry wal.Entry) error {
	id, chunk, ok := record.ParseKey(entry.Key)
	if !ok {
		return fmt.Errorf("unknown key %q: %w", entry.Key, vaulterr.ErrInvalid)
	}
	switch entry.Op {
	case wal.OpWrite:
		if chunk == "" {
			var rec record.Record
			if err := entry.Decode(&rec); err != nil {
				return err
			}
			return e.applyRecord(ctx, &rec)
		}
		var c record.Chunk
		if err := entry.Decode(&c); err != nil {
			return err
		}
		return e.applyChunk(ctx, id, &c)
	case wal.OpDelete:
		if chunk == "" {
			return e.applyDelete(ctx, id)
		}
		return e.applyDeleteChunk(ctx, id, chunk)
	}
	return fmt.Errorf("unexpected %s entry for %s: %w", entry.Op, entry.Key, vaulterr.ErrInvalid)
}
