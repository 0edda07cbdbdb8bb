package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/recordvault/recordvault/internal/cache"
	"github.com/recordvault/recordvault/internal/cas"
	"github.com/recordvault/recordvault/internal/chunkstore"
	"github.com/recordvault/recordvault/internal/index"
	"github.com/recordvault/recordvault/internal/metrics"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/txn"
	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/internal/wal"
)

// walSizeCheck is how often the log size is compared with its limit.
const walSizeCheck = 5 * time.Second

// Flush applies every queued write.
func (e *Engine) Flush(ctx context.Context) (err error) {
	exit, err := e.enter("flush")
	if err != nil {
		return err
	}
	defer exit(&err)
	return e.queue.Flush(ctx)
}

// Checkpoint syncs the stores and truncates the log up to the newest entry
// below which everything is applied and no open transaction began.
func (e *Engine) Checkpoint(ctx context.Context) (err error) {
	exit, err := e.enter("checkpoint")
	if err != nil {
		return err
	}
	defer exit(&err)
	return e.checkpointLocked(false)
}

// checkpointLocked writes a checkpoint. The caller holds e.mu, shared or
// exclusive.
func (e *Engine) checkpointLocked(clean bool) error {
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()

	safe := e.queue.SafeSeq()
	if pin, ok := e.coord.Pin(); ok && pin < safe {
		safe = pin
	}
	if err := e.entities.Sync(); err != nil {
		return err
	}
	if err := e.index.Save(e.indexPath(), safe); err != nil {
		return err
	}
	if err := e.log.Checkpoint(safe, clean); err != nil {
		return err
	}
	e.metrics.RecordCheckpoint(safe, e.log.Size())
	e.logger.Debug().Uint64("seq", safe).Bool("clean", clean).Msg("Checkpoint written")
	return nil
}

// DeadLetters returns the writes that exhausted their retries.
func (e *Engine) DeadLetters() []queue.DeadLetter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}
	return e.queue.DeadLetters()
}

// Requeue retries a dead-lettered write.
func (e *Engine) Requeue(ctx context.Context, key string) (err error) {
	exit, err := e.enter("requeue")
	if err != nil {
		return err
	}
	defer exit(&err)
	f, err := e.queue.Requeue(ctx, key)
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// RebuildIndex discards the indexes and rebuilds them from the applied
// records.
func (e *Engine) RebuildIndex(ctx context.Context) (_ int, err error) {
	exit, err := e.enter("rebuild_index")
	if err != nil {
		return 0, err
	}
	defer exit(&err)
	if err := e.queue.Flush(ctx); err != nil {
		return 0, err
	}
	n, err := e.index.RebuildAll(e.entities.ListAllMetadata())
	if err != nil {
		return 0, err
	}
	e.logger.Info().Int("records", n).Msg("Index rebuilt")
	return n, nil
}

// VerifyReport lists what Verify found.
type VerifyReport struct {
	Chunks []chunkstore.Problem `json:"chunks"`
	Blobs  []string             `json:"blobs"`
}

// OK reports whether nothing was found.
func (r *VerifyReport) OK() bool {
	return len(r.Chunks) == 0 && len(r.Blobs) == 0
}

// Verify reads back every chunk and blob and checks them against their
// checksums. Nothing is repaired.
func (e *Engine) Verify(ctx context.Context) (_ *VerifyReport, err error) {
	exit, err := e.enter("verify")
	if err != nil {
		return nil, err
	}
	defer exit(&err)

	chunks, err := e.entities.Verify(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := e.blobs.Verify(ctx)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{Chunks: chunks, Blobs: blobs}
	if !report.OK() {
		e.logger.Warn().
			Int("chunks", len(chunks)).
			Int("blobs", len(blobs)).
			Msg("Verification found damaged data")
	}
	return report, nil
}

// Repair drops a record's references to chunk files that no longer exist, so
// the record loads again. Corrupt chunks are not touched.
func (e *Engine) Repair(ctx context.Context, id string) (_ []string, err error) {
	exit, err := e.enter("repair")
	if err != nil {
		return nil, err
	}
	defer exit(&err)

	unlock := e.locks.lock(id)
	defer unlock()
	if _, _, ok := e.queue.Pending(record.Key(id)); ok {
		return nil, fmt.Errorf("repair %s: write pending: %w", id, vaulterr.ErrConflict)
	}
	removed, err := e.entities.Repair(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cache.Delete(record.Key(id))
	if _, err := e.cache.Invalidate(record.ChunkPrefix(id) + "*"); err != nil {
		return nil, err
	}
	return removed, nil
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Records      map[record.Kind]int `json:"records"`
	Blobs        cas.Stats           `json:"blobs"`
	Index        index.Stats         `json:"index"`
	Cache        cache.Stats         `json:"cache"`
	Queue        queue.Stats         `json:"queue"`
	WAL          WALStats            `json:"wal"`
	Transactions []txn.Info          `json:"transactions"`
	Recovery     RecoveryStats       `json:"recovery"`
}

// WALStats describes the log.
type WALStats struct {
	Bytes      int64          `json:"bytes"`
	LastSeq    uint64         `json:"last_seq"`
	Checkpoint wal.Checkpoint `json:"checkpoint"`
}

// Stats gathers statistics from every component.
func (e *Engine) Stats(ctx context.Context) (_ *Stats, err error) {
	exit, err := e.enter("stats")
	if err != nil {
		return nil, err
	}
	defer exit(&err)

	blobs, err := e.blobs.Stats()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Records: e.entities.Count(),
		Blobs:   blobs,
		Index:   e.index.Stats(),
		Cache:   e.cache.Stats(),
		Queue:   e.queue.Stats(),
		WAL: WALStats{
			Bytes:      e.log.Size(),
			LastSeq:    e.log.LastSeq(),
			Checkpoint: e.log.LastCheckpoint(),
		},
		Transactions: e.coord.Open(),
		Recovery:     e.recovery,
	}, nil
}

// metricsSnapshot samples gauge-backed state for the metrics collector.
func (e *Engine) metricsSnapshot() metrics.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return metrics.Snapshot{}
	}
	cs := e.cache.Stats()
	s := metrics.Snapshot{
		CacheHits:      cs.Hits,
		CacheMisses:    cs.Misses,
		CacheEvictions: cs.Evictions,
		CacheBytes:     cs.Bytes,
		QueueDepth:     e.queue.Stats().Depth,
		Records:        make(map[string]int),
	}
	for kind, n := range e.entities.Count() {
		s.Records[string(kind)] = n
	}
	if bs, err := e.blobs.Stats(); err == nil {
		s.Blobs, s.BlobBytes = bs.Blobs, bs.Bytes
	} else {
		e.logger.Warn().Err(err).Msg("Failed to sample blob store")
	}
	e.metrics.SetOpenTx(len(e.coord.Open()))
	return s
}

type maintenance struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startMaintenance runs the periodic checkpoint, log size check, garbage
// collection, transaction sweep and metrics sampling.
func (e *Engine) startMaintenance() {
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m := &maintenance{cancel: cancel}
	e.maint = m

	every := func(interval time.Duration, name string, task func(context.Context) error) {
		if interval <= 0 {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				if err := task(ctx); err != nil && ctx.Err() == nil {
					e.logger.Warn().Err(err).Str("task", name).Msg("Maintenance task failed")
				}
			}
		}()
	}

	every(e.cfg.WAL.CheckpointInterval.D(), "checkpoint", e.Checkpoint)
	every(walSizeCheck, "wal_size", e.checkpointIfLarge)
	every(e.cfg.GC.Interval.D(), "gc", func(ctx context.Context) error {
		_, err := e.CollectGarbage(ctx)
		return err
	})
	if maxAge := e.cfg.Tx.MaxAge.D(); maxAge > 0 {
		every(max(maxAge/4, time.Second), "tx_sweep", func(ctx context.Context) error {
			return e.abandonStale(ctx, maxAge)
		})
	}
	if interval := e.cfg.Metrics.Interval.D(); interval > 0 {
		collector := metrics.NewCollector(e.metrics, metrics.CollectorConfig{Source: e.metricsSnapshot})
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			collector.Run(ctx, interval)
		}()
	}
}

// stopMaintenance stops the maintenance goroutines and waits for them. It
// must be called without e.mu held.
func (e *Engine) stopMaintenance() {
	e.maintMu.Lock()
	m := e.maint
	e.maint = nil
	e.maintMu.Unlock()
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

func (e *Engine) checkpointIfLarge(ctx context.Context) (err error) {
	limit := e.cfg.WAL.MaxSize.Bytes()
	if limit <= 0 {
		return nil
	}
	exit, err := e.enter("checkpoint")
	if err != nil {
		return err
	}
	defer exit(&err)
	if size := e.log.Size(); size < limit {
		return nil
	}
	e.logger.Info().Int64("size", e.log.Size()).Int64("limit", limit).Msg("WAL over size limit, checkpointing")
	return e.checkpointLocked(false)
}

func (e *Engine) abandonStale(ctx context.Context, maxAge time.Duration) (err error) {
	exit, err := e.enter("tx_sweep")
	if err != nil {
		return err
	}
	defer exit(&err)
	if n := e.coord.AbandonOlderThan(ctx, maxAge); n > 0 {
		e.logger.Warn().Int("rolled_back", n).Dur("max_age", maxAge).Msg("Rolled back stale transactions")
	}
	return nil
}
