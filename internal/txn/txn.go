// Package txn coordinates multi-operation transactions over every store.
//
// A transaction buffers operations in memory. Commit appends them to the
// write-ahead log, tagged with the transaction id and followed by a commit
// marker, as one critical persistence-queue item, then applies them in
// buffer order. Recovery redoes a transaction only if its begin and commit
// markers are both in the log, so a crash before the commit marker is durable
// loses the whole transaction and a crash after it loses none of it.
package txn

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/metrics"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/internal/wal"
)

// State is the lifecycle state of a transaction.
type State int

const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// OpType is the kind of a buffered operation.
type OpType string

const (
	OpPut      OpType = "put"
	OpPutChunk OpType = "put_chunk"
	OpDelete   OpType = "delete"
)

// Op is one buffered operation.
type Op struct {
	Type  OpType
	ID    string
	Kind  record.Kind
	Patch record.Patch
	Chunk *record.Chunk
}

// Key returns the queue key the operation writes.
func (o Op) Key() string {
	if o.Type == OpPutChunk && o.Chunk != nil {
		return record.ChunkKey(o.ID, o.Chunk.Name)
	}
	return record.Key(o.ID)
}

// Prepared is a transaction resolved against current state.
type Prepared struct {
	// Entries are the log entries for the operations, in buffer order.
	Entries []wal.Entry
	// Apply performs every operation in buffer order.
	Apply func(ctx context.Context) error
	// Release is called once the transaction has been applied or abandoned.
	Release func()
}

// Applier resolves buffered operations into log entries and a mutation.
type Applier interface {
	Prepare(ctx context.Context, txID string, ops []Op) (*Prepared, error)
}

// Log is the part of the write-ahead log the coordinator writes markers to.
type Log interface {
	Append(entries ...wal.Entry) ([]wal.Entry, error)
	LastSeq() uint64
}

// Queue accepts the commit item.
type Queue interface {
	Enqueue(ctx context.Context, item queue.Item) (*queue.Future, error)
}

// Config configures a Coordinator.
type Config struct {
	Log     Log
	Queue   Queue
	Applier Applier
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Coordinator owns the open transactions of one engine.
type Coordinator struct {
	log     Log
	queue   Queue
	applier Applier
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	open    map[string]*Tx
	commits []commit
	tick    uint64
	closed  bool
}

type commit struct {
	tx   *Tx
	tick uint64
	keys []string
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		log:     cfg.Log,
		queue:   cfg.Queue,
		applier: cfg.Applier,
		logger:  cfg.Logger.With().Str("component", "txn").Logger(),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		open:    make(map[string]*Tx),
	}
}

// Tx is a transaction handle. Its methods are safe for concurrent use, but
// operations are applied in the order they were buffered.
type Tx struct {
	c     *Coordinator
	id    string
	began time.Time
	tick  uint64
	// pin is a log sequence below the begin marker; checkpoints may not pass
	// it while the transaction is unresolved.
	pin uint64

	mu    sync.Mutex
	state State
	ops   []Op
	err   error
}

// Begin starts a transaction and logs its begin marker.
func (c *Coordinator) Begin(ctx context.Context) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("begin: %w", vaulterr.ErrClosed)
	}
	c.tick++
	tx := &Tx{
		c:     c,
		id:    uuid.NewString(),
		began: c.now(),
		tick:  c.tick,
		pin:   c.log.LastSeq(),
		state: StateOpen,
	}
	// Registered before the marker is appended so a concurrent checkpoint
	// cannot drop it.
	c.open[tx.id] = tx
	n := len(c.open)
	c.mu.Unlock()

	if _, err := c.log.Append(wal.Entry{Op: wal.OpBegin, TxID: tx.id}); err != nil {
		c.forget(tx)
		return nil, fmt.Errorf("begin: %w", err)
	}
	c.metrics.SetOpenTx(n)
	c.logger.Debug().Str("tx", tx.id).Msg("Transaction started")
	return tx, nil
}

// ID returns the transaction id.
func (tx *Tx) ID() string { return tx.id }

// State returns the current state.
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Err reports a conflict detected after commit: a later overlapping
// transaction committed writes to the same keys and overwrote these.
func (tx *Tx) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// Put buffers a partial update of a record. kind is required when the record
// does not exist yet.
func (tx *Tx) Put(id string, kind record.Kind, patch record.Patch) error {
	return tx.add(Op{Type: OpPut, ID: id, Kind: kind, Patch: patch})
}

// PutChunk buffers a chunk write.
func (tx *Tx) PutChunk(id string, chunk record.Chunk) error {
	if chunk.Name == "" {
		return fmt.Errorf("chunk name is required: %w", vaulterr.ErrInvalid)
	}
	return tx.add(Op{Type: OpPutChunk, ID: id, Chunk: &chunk})
}

// Delete buffers a record deletion.
func (tx *Tx) Delete(id string) error {
	return tx.add(Op{Type: OpDelete, ID: id})
}

func (tx *Tx) add(op Op) error {
	if op.ID == "" {
		return fmt.Errorf("record id is required: %w", vaulterr.ErrInvalid)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateOpen {
		return fmt.Errorf("tx %s is %s: %w", tx.id, tx.state, vaulterr.ErrTxnState)
	}
	tx.ops = append(tx.ops, op)
	return nil
}

// Ops returns a copy of the buffered operations.
func (tx *Tx) Ops() []Op {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return slices.Clone(tx.ops)
}

// Commit logs and applies the transaction. If anything fails before the
// commit marker is durable the transaction is rolled back. If applying fails
// after that, the transaction stays committed and recovery redoes it; the
// returned error says so.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.state != StateOpen {
		state := tx.state
		tx.mu.Unlock()
		return fmt.Errorf("commit tx %s: %s: %w", tx.id, state, vaulterr.ErrTxnState)
	}
	tx.state = StateCommitting
	ops := slices.Clone(tx.ops)
	tx.mu.Unlock()

	c := tx.c
	if len(ops) == 0 {
		if _, err := c.log.Append(wal.Entry{Op: wal.OpCommit, TxID: tx.id}); err != nil {
			return tx.abandon(ctx, fmt.Errorf("commit tx %s: %w", tx.id, err))
		}
		tx.committed(nil)
		return nil
	}

	prep, err := c.applier.Prepare(ctx, tx.id, ops)
	if err != nil {
		return tx.abandon(ctx, fmt.Errorf("prepare tx %s: %w", tx.id, err))
	}
	if prep.Release != nil {
		defer prep.Release()
	}

	entries := make([]wal.Entry, 0, len(prep.Entries)+1)
	for _, e := range prep.Entries {
		e.TxID = tx.id
		entries = append(entries, e)
	}
	entries = append(entries, wal.Entry{Op: wal.OpCommit, TxID: tx.id})

	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		if !slices.Contains(keys, op.Key()) {
			keys = append(keys, op.Key())
		}
	}
	supersedes := slices.Clone(keys)
	for _, op := range ops {
		if op.Type == OpDelete {
			supersedes = append(supersedes, record.ChunkPrefix(op.ID))
		}
	}

	var logged bool
	_, err = c.queue.Enqueue(ctx, queue.Item{
		Key:        "tx/" + tx.id,
		Priority:   queue.Critical,
		Entries:    entries,
		Supersedes: supersedes,
		Pinned:     true,
		PinSeq:     tx.pin + 1,
		Apply: func(ctx context.Context) error {
			// Only reached once the entries and commit marker are logged.
			logged = true
			return prep.Apply(ctx)
		},
	})
	if err != nil && !logged {
		return tx.abandon(ctx, fmt.Errorf("commit tx %s: %w", tx.id, err))
	}

	tx.committed(keys)
	if err != nil {
		c.logger.Error().Err(err).Str("tx", tx.id).Msg("Committed transaction failed to apply; recovery will redo it")
		return fmt.Errorf("apply committed tx %s: %w", tx.id, err)
	}
	return nil
}

// abandon rolls back after a failed commit attempt and returns cause.
func (tx *Tx) abandon(ctx context.Context, cause error) error {
	tx.mu.Lock()
	tx.state = StateOpen
	tx.mu.Unlock()
	if err := tx.Rollback(ctx); err != nil {
		tx.c.logger.Warn().Err(err).Str("tx", tx.id).Msg("Rollback after failed commit")
	}
	return cause
}

func (tx *Tx) committed(keys []string) {
	c := tx.c
	tx.mu.Lock()
	tx.state = StateCommitted
	tx.ops = nil
	tx.mu.Unlock()

	c.mu.Lock()
	c.tick++
	now := c.tick
	delete(c.open, tx.id)
	n := len(c.open)

	// Commits made after this transaction began overlapped with it. Their
	// writes to the same keys have just been overwritten.
	for _, prev := range c.commits {
		if prev.tick <= tx.tick {
			continue
		}
		var overlap []string
		for _, k := range prev.keys {
			if slices.Contains(keys, k) {
				overlap = append(overlap, k)
			}
		}
		if len(overlap) == 0 {
			continue
		}
		prev.tx.mu.Lock()
		prev.tx.err = &vaulterr.ConflictError{TxID: prev.tx.id, Keys: overlap, Winner: tx.id}
		prev.tx.mu.Unlock()
		c.metrics.RecordTx("conflict")
		c.logger.Warn().Str("tx", prev.tx.id).Str("winner", tx.id).Strs("keys", overlap).Msg("Transaction overwritten by later commit")
	}
	if len(keys) > 0 {
		c.commits = append(c.commits, commit{tx: tx, tick: now, keys: keys})
	}
	c.pruneLocked()
	c.mu.Unlock()

	c.metrics.RecordTx("committed")
	c.metrics.SetOpenTx(n)
	c.logger.Debug().Str("tx", tx.id).Int("keys", len(keys)).Msg("Transaction committed")
}

// pruneLocked drops commits no open transaction overlaps with.
func (c *Coordinator) pruneLocked() {
	oldest := c.tick + 1
	for _, tx := range c.open {
		oldest = min(oldest, tx.tick)
	}
	c.commits = slices.DeleteFunc(c.commits, func(cm commit) bool { return cm.tick < oldest })
}

// Rollback discards the transaction and logs a rollback marker. Rolling back
// a rolled-back transaction is a no-op.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	switch tx.state {
	case StateRolledBack:
		tx.mu.Unlock()
		return nil
	case StateOpen:
	default:
		state := tx.state
		tx.mu.Unlock()
		return fmt.Errorf("rollback tx %s: %s: %w", tx.id, state, vaulterr.ErrTxnState)
	}
	tx.state = StateRolledBack
	tx.ops = nil
	tx.mu.Unlock()

	c := tx.c
	c.forget(tx)
	c.metrics.RecordTx("rolled_back")

	// Without a commit marker recovery discards the transaction anyway; the
	// rollback marker only makes that explicit.
	if _, err := c.log.Append(wal.Entry{Op: wal.OpRollback, TxID: tx.id}); err != nil {
		return fmt.Errorf("rollback tx %s: %w", tx.id, err)
	}
	c.logger.Debug().Str("tx", tx.id).Msg("Transaction rolled back")
	return nil
}

func (c *Coordinator) forget(tx *Tx) {
	c.mu.Lock()
	delete(c.open, tx.id)
	n := len(c.open)
	c.pruneLocked()
	c.mu.Unlock()
	c.metrics.SetOpenTx(n)
}

// Pin returns the highest log sequence a checkpoint may reach without
// dropping the begin marker of an unresolved transaction. ok is false when no
// transaction is open.
func (c *Coordinator) Pin() (seq uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.open {
		if !ok || tx.pin < seq {
			seq, ok = tx.pin, true
		}
	}
	return seq, ok
}

// Info describes an open transaction.
type Info struct {
	ID    string    `json:"id"`
	State string    `json:"state"`
	Began time.Time `json:"began"`
	Ops   int       `json:"ops"`
}

// Open lists unresolved transactions, oldest first.
func (c *Coordinator) Open() []Info {
	c.mu.Lock()
	txs := make([]*Tx, 0, len(c.open))
	for _, tx := range c.open {
		txs = append(txs, tx)
	}
	c.mu.Unlock()

	slices.SortFunc(txs, func(a, b *Tx) int { return cmp.Compare(a.tick, b.tick) })
	out := make([]Info, 0, len(txs))
	for _, tx := range txs {
		tx.mu.Lock()
		out = append(out, Info{ID: tx.id, State: tx.state.String(), Began: tx.began, Ops: len(tx.ops)})
		tx.mu.Unlock()
	}
	return out
}

// AbandonOlderThan rolls back open transactions that began more than d ago.
// An abandoned transaction would otherwise hold back checkpoints forever.
func (c *Coordinator) AbandonOlderThan(ctx context.Context, d time.Duration) int {
	cutoff := c.now().Add(-d)
	c.mu.Lock()
	var stale []*Tx
	for _, tx := range c.open {
		if tx.began.Before(cutoff) {
			stale = append(stale, tx)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, tx := range stale {
		if tx.State() != StateOpen {
			continue
		}
		if err := tx.Rollback(ctx); err != nil {
			c.logger.Warn().Err(err).Str("tx", tx.id).Msg("Failed to roll back stale transaction")
		}
		c.logger.Warn().Str("tx", tx.id).Time("began", tx.began).Msg("Rolled back abandoned transaction")
		n++
	}
	return n
}

// Close rolls back every open transaction and rejects new ones.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	open := make([]*Tx, 0, len(c.open))
	for _, tx := range c.open {
		open = append(open, tx)
	}
	c.mu.Unlock()

	for _, tx := range open {
		if tx.State() != StateOpen {
			continue
		}
		if err := tx.Rollback(ctx); err != nil {
			c.logger.Warn().Err(err).Str("tx", tx.id).Msg("Rollback at shutdown")
		}
	}
}
