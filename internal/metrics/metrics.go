// Package metrics provides Prometheus metrics for a recordvault engine.
//
// Every engine owns its own registry, so several engines can live in one
// process (tests do this constantly). All recording methods are safe to call
// on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one engine.
type Metrics struct {
	Registry *prometheus.Registry

	// Operation metrics
	OperationsTotal   *prometheus.CounterVec   // recordvault_operations_total{operation,status}
	OperationDuration *prometheus.HistogramVec // recordvault_operation_duration_seconds{operation}

	// Write-ahead log
	WALAppends      prometheus.Counter // recordvault_wal_appends_total
	WALAppendErrors prometheus.Counter // recordvault_wal_append_errors_total
	WALBytes        prometheus.Gauge   // recordvault_wal_bytes
	Checkpoints     prometheus.Counter // recordvault_checkpoints_total
	CheckpointSeq   prometheus.Gauge   // recordvault_checkpoint_seq

	// Persistence queue
	QueueEnqueued    *prometheus.CounterVec   // recordvault_queue_enqueued_total{priority}
	QueueApplied     *prometheus.CounterVec   // recordvault_queue_applied_total{priority}
	QueueCollapsed   prometheus.Counter       // recordvault_queue_collapsed_total
	QueueRetries     *prometheus.CounterVec   // recordvault_queue_retries_total{priority}
	QueueDeadLetters *prometheus.CounterVec   // recordvault_queue_dead_letters_total{priority}
	QueueDepth       *prometheus.GaugeVec     // recordvault_queue_depth{priority}
	QueueApplyTime   *prometheus.HistogramVec // recordvault_queue_apply_duration_seconds{priority}

	// Transactions
	TxCommitted  prometheus.Counter // recordvault_tx_committed_total
	TxRolledBack prometheus.Counter // recordvault_tx_rolled_back_total
	TxConflicts  prometheus.Counter // recordvault_tx_conflicts_total
	TxOpen       prometheus.Gauge   // recordvault_tx_open

	// Cache
	CacheHits      prometheus.Gauge // recordvault_cache_hits
	CacheMisses    prometheus.Gauge // recordvault_cache_misses
	CacheEvictions prometheus.Gauge // recordvault_cache_evictions
	CacheBytes     prometheus.Gauge // recordvault_cache_bytes

	// Blob store and garbage collection
	BlobsStored      prometheus.Counter   // recordvault_blobs_stored_total
	BlobsTotal       prometheus.Gauge     // recordvault_blobs
	BlobBytes        prometheus.Gauge     // recordvault_blob_bytes
	GCRuns           prometheus.Counter   // recordvault_gc_runs_total
	GCBlobsDeleted   prometheus.Counter   // recordvault_gc_blobs_deleted_total
	GCBytesReclaimed prometheus.Counter   // recordvault_gc_bytes_reclaimed_total
	RecordsTotal     *prometheus.GaugeVec // recordvault_records{kind}

	// Recovery
	RecoveryReplayed  prometheus.Gauge // recordvault_recovery_replayed_entries
	RecoveryDiscarded prometheus.Gauge // recordvault_recovery_discarded_transactions
	RecoveryDuration  prometheus.Gauge // recordvault_recovery_duration_seconds
}

// New creates a registry with the standard Go collectors and registers every
// engine metric on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recordvault_operations_total",
			Help: "Engine operations by operation and status",
		}, []string{"operation", "status"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recordvault_operation_duration_seconds",
			Help:    "Engine operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		WALAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_wal_appends_total",
			Help: "Entries appended to the write-ahead log",
		}),
		WALAppendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_wal_append_errors_total",
			Help: "Failed write-ahead log appends",
		}),
		WALBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_wal_bytes",
			Help: "Current size of the write-ahead log file",
		}),
		Checkpoints: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_checkpoints_total",
			Help: "Checkpoints taken",
		}),
		CheckpointSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_checkpoint_seq",
			Help: "Sequence number of the last checkpoint",
		}),

		QueueEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recordvault_queue_enqueued_total",
			Help: "Items enqueued by priority",
		}, []string{"priority"}),
		QueueApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recordvault_queue_applied_total",
			Help: "Items applied by priority",
		}, []string{"priority"}),
		QueueCollapsed: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_queue_collapsed_total",
			Help: "Pending items replaced by a newer item for the same key",
		}),
		QueueRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recordvault_queue_retries_total",
			Help: "Failed apply attempts scheduled for retry",
		}, []string{"priority"}),
		QueueDeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recordvault_queue_dead_letters_total",
			Help: "Items moved to the dead-letter set",
		}, []string{"priority"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recordvault_queue_depth",
			Help: "Items waiting to be applied by priority",
		}, []string{"priority"}),
		QueueApplyTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recordvault_queue_apply_duration_seconds",
			Help:    "Time to log and apply one queued item",
			Buckets: prometheus.DefBuckets,
		}, []string{"priority"}),

		TxCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_tx_committed_total",
			Help: "Committed transactions",
		}),
		TxRolledBack: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_tx_rolled_back_total",
			Help: "Rolled back transactions",
		}),
		TxConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_tx_conflicts_total",
			Help: "Committed transactions overwritten by a later overlapping commit",
		}),
		TxOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_tx_open",
			Help: "Open transactions",
		}),

		CacheHits: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_cache_hits",
			Help: "Cache hits since open",
		}),
		CacheMisses: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_cache_misses",
			Help: "Cache misses since open",
		}),
		CacheEvictions: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_cache_evictions",
			Help: "Cache evictions since open",
		}),
		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_cache_bytes",
			Help: "Bytes held by the cache",
		}),

		BlobsStored: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_blobs_stored_total",
			Help: "Blob store calls, deduplicated or not",
		}),
		BlobsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_blobs",
			Help: "Distinct blobs on disk",
		}),
		BlobBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_blob_bytes",
			Help: "Bytes used by blob files",
		}),
		GCRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_gc_runs_total",
			Help: "Garbage collection runs",
		}),
		GCBlobsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_gc_blobs_deleted_total",
			Help: "Blobs reclaimed by garbage collection",
		}),
		GCBytesReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "recordvault_gc_bytes_reclaimed_total",
			Help: "Bytes reclaimed by garbage collection",
		}),
		RecordsTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recordvault_records",
			Help: "Stored records by kind",
		}, []string{"kind"}),
		RecoveryReplayed: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_recovery_replayed_entries",
			Help: "Log entries re-applied by the last recovery",
		}),
		RecoveryDiscarded: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_recovery_discarded_transactions",
			Help: "Uncommitted transactions discarded by the last recovery",
		}),
		RecoveryDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordvault_recovery_duration_seconds",
			Help: "Duration of the last recovery",
		}),
	}
}

// RecordOperation records one engine operation.
func (m *Metrics) RecordOperation(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordAppend records a write-ahead log append of n entries.
func (m *Metrics) RecordAppend(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.WALAppendErrors.Inc()
		return
	}
	m.WALAppends.Add(float64(n))
}

// RecordCheckpoint records a checkpoint and the resulting log size.
func (m *Metrics) RecordCheckpoint(seq uint64, walBytes int64) {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
	m.CheckpointSeq.Set(float64(seq))
	m.WALBytes.Set(float64(walBytes))
}

// RecordEnqueue counts an enqueued item; collapsed is true when it replaced a
// pending one.
func (m *Metrics) RecordEnqueue(priority string, collapsed bool) {
	if m == nil {
		return
	}
	m.QueueEnqueued.WithLabelValues(priority).Inc()
	if collapsed {
		m.QueueCollapsed.Inc()
	}
}

// RecordApply records the outcome of one apply attempt.
func (m *Metrics) RecordApply(priority string, err error, retry bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.QueueApplyTime.WithLabelValues(priority).Observe(elapsed.Seconds())
	switch {
	case err == nil:
		m.QueueApplied.WithLabelValues(priority).Inc()
	case retry:
		m.QueueRetries.WithLabelValues(priority).Inc()
	default:
		m.QueueDeadLetters.WithLabelValues(priority).Inc()
	}
}

// SetQueueDepth updates the depth gauge of one priority class.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordTx records a transaction outcome: "committed", "rolled_back" or
// "conflict".
func (m *Metrics) RecordTx(outcome string) {
	if m == nil {
		return
	}
	switch outcome {
	case "committed":
		m.TxCommitted.Inc()
	case "rolled_back":
		m.TxRolledBack.Inc()
	case "conflict":
		m.TxConflicts.Inc()
	}
}

// SetOpenTx updates the open transaction gauge.
func (m *Metrics) SetOpenTx(n int) {
	if m == nil {
		return
	}
	m.TxOpen.Set(float64(n))
}

// UpdateCache copies cache counters into gauges.
func (m *Metrics) UpdateCache(hits, misses, evictions uint64, bytes int64) {
	if m == nil {
		return
	}
	m.CacheHits.Set(float64(hits))
	m.CacheMisses.Set(float64(misses))
	m.CacheEvictions.Set(float64(evictions))
	m.CacheBytes.Set(float64(bytes))
}

// RecordBlobStore counts a blob store call.
func (m *Metrics) RecordBlobStore() {
	if m == nil {
		return
	}
	m.BlobsStored.Inc()
}

// UpdateStorage updates storage-related gauges.
func (m *Metrics) UpdateStorage(blobs, blobBytes int64, records map[string]int) {
	if m == nil {
		return
	}
	m.BlobsTotal.Set(float64(blobs))
	m.BlobBytes.Set(float64(blobBytes))
	for kind, n := range records {
		m.RecordsTotal.WithLabelValues(kind).Set(float64(n))
	}
}

// RecordGC records a garbage collection run.
func (m *Metrics) RecordGC(deleted int, reclaimed int64) {
	if m == nil {
		return
	}
	m.GCRuns.Inc()
	m.GCBlobsDeleted.Add(float64(deleted))
	m.GCBytesReclaimed.Add(float64(reclaimed))
}

// RecordRecovery records the outcome of startup recovery.
func (m *Metrics) RecordRecovery(replayed, discarded int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RecoveryReplayed.Set(float64(replayed))
	m.RecoveryDiscarded.Set(float64(discarded))
	m.RecoveryDuration.Set(elapsed.Seconds())
}
