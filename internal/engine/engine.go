// Package engine is the storage engine: one instance owns the write-ahead log,
// the entity and blob stores, the indexes, the read cache, the persistence
// queue and the transaction coordinator, and exposes the record, blob and
// snapshot operations on top of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/cache"
	"github.com/recordvault/recordvault/internal/capacity"
	"github.com/recordvault/recordvault/internal/cas"
	"github.com/recordvault/recordvault/internal/chunkstore"
	"github.com/recordvault/recordvault/internal/config"
	"github.com/recordvault/recordvault/internal/index"
	"github.com/recordvault/recordvault/internal/metrics"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/snapshot"
	"github.com/recordvault/recordvault/internal/txn"
	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/internal/wal"
)

// Directories under the data root.
const (
	walDir       = "wal"
	entitiesDir  = "entities"
	blobsDir     = "blobs"
	indexDir     = "index"
	snapshotsDir = "snapshots"

	indexFile   = "index.zst"
	catalogFile = "catalog.db"
)

// Options configures Open.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	Logger zerolog.Logger
	// Metrics defaults to a private registry.
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg         *config.Config
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	granularity index.Granularity
	key         *[32]byte

	// mu is held shared by every operation and exclusively while components
	// are torn down or swapped.
	mu     sync.RWMutex
	closed bool

	locks keyLocks
	cache *cache.Cache[any]

	log      *wal.Log
	blobs    *cas.Store
	entities *chunkstore.Store
	index    *index.Manager
	queue    *queue.Queue
	coord    *txn.Coordinator
	catalog  *snapshot.Catalog

	recovery RecoveryStats

	ckptMu  sync.Mutex
	maintMu sync.Mutex
	maint   *maintenance
}

// Open opens or creates the data directory and recovers it.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	granularity, err := index.ParseGranularity(cfg.Index.Bucket)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	e := &Engine{
		cfg:         cfg,
		logger:      opts.Logger.With().Str("component", "engine").Logger(),
		metrics:     m,
		now:         now,
		granularity: granularity,
	}
	e.cache = cache.New(cache.Config[any]{
		MaxBytes:   cfg.Cache.MaxSize.Bytes(),
		DefaultTTL: cfg.Cache.DefaultTTL.D(),
		SizeOf:     sizeOf,
		Now:        now,
	})

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, snapshotsDir), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.CAS.EncryptionKeyFile != "" {
		key, err := config.LoadKey(cfg.CAS.EncryptionKeyFile)
		if err != nil {
			return nil, err
		}
		e.key = key
	}

	catalog, err := snapshot.OpenCatalog(e.path(snapshotsDir, catalogFile), opts.Logger)
	if err != nil {
		return nil, err
	}
	e.catalog = catalog

	if err := e.start(ctx); err != nil {
		_ = catalog.Close()
		return nil, err
	}
	e.startMaintenance()

	e.logger.Info().
		Str("data_dir", cfg.DataDir).
		Int("replayed", e.recovery.Replayed).
		Bool("unclean", e.recovery.Unclean).
		Msg("Storage engine opened")
	return e, nil
}

// start opens every per-generation component and recovers them. Restore runs
// it again after swapping the data directories.
func (e *Engine) start(ctx context.Context) (err error) {
	noSync := !e.cfg.SyncWrites
	logger := e.logger

	blobs, err := cas.Open(cas.Config{
		Dir:              e.path(blobsDir),
		EncryptionKey:    e.key,
		CompressionLevel: e.cfg.CAS.CompressionLevel,
		GCGrace:          e.cfg.GC.Grace.D(),
		Capacity:         capacity.NewGuard(e.cfg.DataDir, e.cfg.Capacity.MinFree.Bytes()),
		NoSync:           noSync,
		Logger:           logger,
		Now:              e.now,
	})
	if err != nil {
		return err
	}
	entities, err := chunkstore.Open(chunkstore.Config{
		Dir:    e.path(entitiesDir),
		Blobs:  blobs,
		NoSync: noSync,
		Logger: logger,
	})
	if err != nil {
		_ = blobs.Close()
		return err
	}
	log, err := wal.Open(wal.Config{
		Dir:    e.path(walDir),
		NoSync: noSync,
		Logger: logger,
		Now:    e.now,
	})
	if err != nil {
		_ = entities.Close()
		_ = blobs.Close()
		return err
	}

	e.blobs, e.entities, e.log = blobs, entities, log
	e.index = index.New(e.granularity, logger)
	e.cache.Purge()

	stats, err := e.recover(ctx)
	if err != nil {
		_ = log.Close()
		_ = entities.Close()
		_ = blobs.Close()
		return err
	}
	e.recovery = stats

	q := e.cfg.Queue
	e.queue = queue.New(log, queue.Config{
		NormalBatch:      q.NormalBatch,
		NormalInterval:   q.NormalInterval.D(),
		LowBatch:         q.LowBatch,
		LowInterval:      q.LowInterval.D(),
		MaxPending:       q.MaxPending,
		CriticalAttempts: q.MaxAttempts.Critical,
		NormalAttempts:   q.MaxAttempts.Normal,
		LowAttempts:      q.MaxAttempts.Low,
		BackoffBase:      q.BackoffBase.D(),
		BackoffMax:       q.BackoffMax.D(),
		ApplyRate:        q.ApplyRate,
		Logger:           logger,
		Metrics:          e.metrics,
		Now:              e.now,
	})
	e.coord = txn.New(txn.Config{
		Log:     log,
		Queue:   e.queue,
		Applier: e,
		Logger:  logger,
		Metrics: e.metrics,
		Now:     e.now,
	})
	return nil
}

// stop quiesces and closes the per-generation components. The caller holds
// e.mu exclusively. clean marks the final checkpoint as an orderly shutdown.
func (e *Engine) stop(ctx context.Context, clean bool) error {
	var errs []error
	e.coord.Close(ctx)
	if err := e.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	if err := e.checkpointLocked(clean); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}
	if err := e.entities.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close entity store: %w", err))
	}
	if err := e.blobs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close blob store: %w", err))
	}
	if err := e.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wal: %w", err))
	}
	return errors.Join(errs...)
}

// Close rolls back open transactions, drains the queue, writes a clean
// checkpoint and releases every file handle. Closing twice is a no-op.
func (e *Engine) Close(ctx context.Context) error {
	e.stopMaintenance()
	err := e.close(ctx)
	// A restore racing with Close may have restarted it.
	e.stopMaintenance()
	return err
}

func (e *Engine) close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	errs := []error{e.stop(ctx, true)}
	if err := e.catalog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close snapshot catalog: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error().Err(err).Msg("Storage engine closed with errors")
		return err
	}
	e.logger.Info().Msg("Storage engine closed")
	return nil
}

// Metrics returns the engine's metrics, for exposition.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Recovery reports what the last open or restore had to recover.
func (e *Engine) Recovery() RecoveryStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recovery
}

// enter admits an operation. The returned exit func must be deferred with the
// operation's error; it records the outcome and releases the engine.
func (e *Engine) enter(op string) (exit func(*error), err error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%s: %w", op, vaulterr.ErrClosed)
	}
	start := e.now()
	return func(errp *error) {
		e.mu.RUnlock()
		var opErr error
		if errp != nil {
			opErr = *errp
		}
		e.metrics.RecordOperation(op, opErr, e.now().Sub(start))
	}, nil
}

func (e *Engine) path(elem ...string) string {
	return filepath.Join(append([]string{e.cfg.DataDir}, elem...)...)
}

func (e *Engine) indexPath() string {
	return e.path(indexDir, indexFile)
}
