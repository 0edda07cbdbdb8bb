package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/recordvault/recordvault/internal/snapshot"
	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/internal/wal"
)

// snapshotParts are the directories a snapshot holds. Blob files never change
// once written, so they are linked; reference counts are rebuilt on restore.
func snapshotParts() []snapshot.Part {
	return []snapshot.Part{
		{Name: entitiesDir},
		{Name: indexDir},
		{Name: blobsDir, Link: true, Skip: func(rel string) bool {
			return rel == "refs" || strings.HasPrefix(filepath.Base(rel), ".")
		}},
	}
}

// Snapshot drains the queue, checkpoints and copies the stores into a new
// snapshot. It fails with ErrConflict while a transaction is open or a write
// could not be applied.
func (e *Engine) Snapshot(ctx context.Context, label string) (_ snapshot.Info, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return snapshot.Info{}, fmt.Errorf("snapshot: %w", vaulterr.ErrClosed)
	}
	start := e.now()
	defer func() { e.metrics.RecordOperation("snapshot", err, e.now().Sub(start)) }()

	if open := e.coord.Open(); len(open) > 0 {
		return snapshot.Info{}, fmt.Errorf("snapshot: %d transactions open: %w", len(open), vaulterr.ErrConflict)
	}
	if err := e.queue.Flush(ctx); err != nil {
		return snapshot.Info{}, err
	}
	resume := e.queue.Pause()
	defer resume()

	if err := e.checkpointLocked(false); err != nil {
		return snapshot.Info{}, err
	}
	if cp, last := e.log.LastCheckpoint(), e.log.LastSeq(); cp.Seq != last {
		return snapshot.Info{}, fmt.Errorf("snapshot: log entries %d..%d not applied, see dead letters: %w",
			cp.Seq+1, last, vaulterr.ErrConflict)
	}

	info := snapshot.Info{
		ID:      uuid.NewString(),
		Label:   label,
		Created: e.now().UTC(),
		WALSeq:  e.log.LastSeq(),
	}
	dir := e.path(snapshotsDir, info.ID)
	fail := func(err error) (snapshot.Info, error) {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			e.logger.Warn().Err(rmErr).Str("dir", dir).Msg("Failed to remove partial snapshot")
		}
		return snapshot.Info{}, err
	}

	copied, err := snapshot.Capture(e.cfg.DataDir, dir, snapshotParts())
	if err != nil {
		return fail(err)
	}
	if _, err := snapshot.CopyFile(e.path(walDir, wal.CheckpointFileName), filepath.Join(dir, walDir, wal.CheckpointFileName)); err != nil {
		return fail(err)
	}

	for _, n := range e.entities.Count() {
		info.Records += n
	}
	blobs, err := e.blobs.Stats()
	if err != nil {
		return fail(err)
	}
	info.Blobs = int(blobs.Blobs)
	info.Bytes = copied.Bytes

	if err := e.catalog.Add(ctx, info); err != nil {
		return fail(err)
	}
	e.logger.Info().
		Str("snapshot", info.ID).
		Int("records", info.Records).
		Int("blobs", info.Blobs).
		Int("files", copied.Files).
		Int("linked", copied.Linked).
		Msg("Snapshot created")
	return info, nil
}

// ListSnapshots returns the catalog, newest first.
func (e *Engine) ListSnapshots(ctx context.Context) (_ []snapshot.Info, err error) {
	exit, err := e.enter("list_snapshots")
	if err != nil {
		return nil, err
	}
	defer exit(&err)
	return e.catalog.List(ctx)
}

// DeleteSnapshot removes a snapshot and its catalog entry.
func (e *Engine) DeleteSnapshot(ctx context.Context, id string) (err error) {
	exit, err := e.enter("delete_snapshot")
	if err != nil {
		return err
	}
	defer exit(&err)

	if _, err := e.catalog.Get(ctx, id); err != nil {
		return err
	}
	if err := os.RemoveAll(e.path(snapshotsDir, id)); err != nil {
		return fmt.Errorf("remove snapshot %s: %w", id, err)
	}
	return e.catalog.Remove(ctx, id)
}

// RestoreSnapshot replaces the stores with a snapshot. Open transactions are
// rolled back, queued writes are applied and then discarded along with the
// rest of the log, and everything derived is rebuilt. If the copy fails the
// previous data is kept.
func (e *Engine) RestoreSnapshot(ctx context.Context, id string) (err error) {
	e.stopMaintenance()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("restore snapshot: %w", vaulterr.ErrClosed)
	}
	defer func() {
		if !e.closed {
			e.startMaintenance()
		}
	}()
	start := e.now()
	defer func() { e.metrics.RecordOperation("restore_snapshot", err, e.now().Sub(start)) }()

	if _, err := e.catalog.Get(ctx, id); err != nil {
		return err
	}
	dir := e.path(snapshotsDir, id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("snapshot %s files: %w", id, vaulterr.NotFound("snapshot", id))
	}

	if err := e.stop(ctx, false); err != nil {
		e.logger.Warn().Err(err).Msg("Errors while quiescing for restore")
	}

	var restoreErr error
	if _, err := snapshot.Restore(dir, e.cfg.DataDir, snapshotParts()); err != nil {
		restoreErr = fmt.Errorf("restore snapshot %s: %w", id, err)
	} else if err := e.resetLog(); err != nil {
		restoreErr = err
	}

	if err := e.start(ctx); err != nil {
		e.closed = true
		_ = e.catalog.Close()
		e.logger.Error().Err(err).Msg("Failed to reopen after restore")
		return errors.Join(restoreErr, fmt.Errorf("reopen after restore: %w", err))
	}
	if restoreErr != nil {
		return restoreErr
	}
	e.logger.Info().Str("snapshot", id).Msg("Snapshot restored")
	return nil
}

// resetLog drops every log entry, which describe mutations newer than a
// restored snapshot.
func (e *Engine) resetLog() error {
	log, err := wal.Open(wal.Config{Dir: e.path(walDir), NoSync: !e.cfg.SyncWrites, Logger: e.logger, Now: e.now})
	if err != nil {
		return err
	}
	if err := log.Reset(); err != nil {
		_ = log.Close()
		return err
	}
	return log.Close()
}
