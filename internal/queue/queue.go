// Package queue is the persistence queue: the only path by which mutations
// reach the stores. Every item is appended to the write-ahead log before it is
// applied. Critical items run on the caller's goroutine; normal and low items
// are batched by a background worker, and a newer item for a key that has not
// been picked up yet replaces the older one.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/recordvault/recordvault/internal/metrics"
	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/internal/wal"
)

// Priority orders queued work.
type Priority int

const (
	Critical Priority = iota
	Normal
	Low
)

var priorityNames = [...]string{"critical", "normal", "low"}

func (p Priority) String() string {
	if p < Critical || p > Low {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a priority name. Empty means Normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return Critical, nil
	case "", "normal":
		return Normal, nil
	case "low":
		return Low, nil
	}
	return 0, fmt.Errorf("unknown priority %q: %w", s, vaulterr.ErrInvalid)
}

// Log is the write-ahead log as seen by the queue.
type Log interface {
	Append(entries ...wal.Entry) ([]wal.Entry, error)
	LastSeq() uint64
}

// Item is one durable mutation.
type Item struct {
	Key      string
	Priority Priority

	// Value is what Pending reports for Key until the item is applied.
	// Deleted marks a pending delete.
	Value   any
	Deleted bool

	// Entries are appended to the log once, before the first apply attempt.
	Entries []wal.Entry

	// Apply performs the mutation. It may run more than once and must be
	// idempotent.
	Apply func(ctx context.Context) error

	// Supersedes names other keys whose unapplied items this one makes
	// obsolete. An entry ending in "/" matches every key with that prefix.
	Supersedes []string

	// DependsOn names a key whose unapplied item must be applied first.
	DependsOn string

	// Pinned items belong to a transaction. Once logged they are never
	// voided, and if one is dead-lettered the log stays pinned at PinSeq so
	// recovery redoes it.
	Pinned bool
	PinSeq uint64

	// Discard, if set, is called once the item is dropped unapplied because
	// a newer item replaced or superseded it.
	Discard func()
}

type state int

const (
	statePending state = iota
	stateWaiting
	stateRunning
	stateDone
)

type task struct {
	Item

	lane     Priority
	state    state
	enqueued time.Time
	futures  []*Future
	attempts int
	next     time.Time
	logged   bool
	seqs     []uint64
}

// DeadLetter is an item that exhausted its attempts.
type DeadLetter struct {
	Key      string    `json:"key"`
	Priority Priority  `json:"priority"`
	Attempts int       `json:"attempts"`
	Err      error     `json:"-"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`

	task *task
}

// Config configures a Queue.
type Config struct {
	NormalBatch    int
	NormalInterval time.Duration
	LowBatch       int
	LowInterval    time.Duration

	// MaxPending bounds unapplied items. Reaching it forces a flush; if the
	// queue is still full afterwards Enqueue fails with a CapacityError.
	MaxPending int

	CriticalAttempts int
	NormalAttempts   int
	LowAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration

	// ApplyRate limits batched applies per second. Zero means unlimited.
	ApplyRate float64

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (c *Config) setDefaults() {
	if c.NormalBatch <= 0 {
		c.NormalBatch = 64
	}
	if c.NormalInterval <= 0 {
		c.NormalInterval = 500 * time.Millisecond
	}
	if c.LowBatch <= 0 {
		c.LowBatch = 256
	}
	if c.LowInterval <= 0 {
		c.LowInterval = 5 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10000
	}
	if c.CriticalAttempts <= 0 {
		c.CriticalAttempts = 3
	}
	if c.NormalAttempts <= 0 {
		c.NormalAttempts = 5
	}
	if c.LowAttempts <= 0 {
		c.LowAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Queue is safe for concurrent use.
type Queue struct {
	cfg     Config
	log     Log
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// applyMu is held across logging and applying one item, so log order is
	// apply order.
	applyMu sync.Mutex
	// logMu makes an append and its in-flight registration atomic with
	// respect to SafeSeq.
	logMu sync.Mutex

	mu       sync.Mutex
	lanes    [Low + 1][]*task
	latest   map[string]*task
	waiting  []*task
	inflight map[*task]uint64
	dead     map[string]*DeadLetter
	depth    int
	flushing int
	closed   bool
	stats    counters
	meter    meter

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

type counters struct {
	enqueued     uint64
	applied      uint64
	collapsed    uint64
	retried      uint64
	failed       uint64
	deadLettered uint64
}

// New creates a queue writing to log and starts its worker.
func New(log Log, cfg Config) *Queue {
	cfg.setDefaults()
	limit := rate.Inf
	if cfg.ApplyRate > 0 {
		limit = rate.Limit(cfg.ApplyRate)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		log:      log,
		limiter:  rate.NewLimiter(limit, max(1, cfg.NormalBatch)),
		logger:   cfg.Logger.With().Str("component", "queue").Logger(),
		metrics:  cfg.Metrics,
		latest:   make(map[string]*task),
		inflight: make(map[*task]uint64),
		dead:     make(map[string]*DeadLetter),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go q.run()
	return q
}

// Enqueue submits an item. Critical items are logged and applied before
// Enqueue returns, and the returned error is their outcome. For other
// priorities the returned Future reports the outcome later.
func (q *Queue) Enqueue(ctx context.Context, item Item) (*Future, error) {
	if item.Key == "" || item.Apply == nil {
		return nil, fmt.Errorf("enqueue: key and apply func are required: %w", vaulterr.ErrInvalid)
	}
	if item.Priority < Critical || item.Priority > Low {
		return nil, fmt.Errorf("enqueue %s: %s: %w", item.Key, item.Priority, vaulterr.ErrInvalid)
	}
	if item.Priority == Critical {
		return q.runCritical(ctx, item)
	}

	q.mu.Lock()
	full := q.depth >= q.cfg.MaxPending && !q.collapsibleLocked(item.Key)
	q.mu.Unlock()
	if full {
		q.logger.Warn().Int("max_pending", q.cfg.MaxPending).Msg("Queue full, flushing")
		// A flush cut short by ctx falls through to the capacity check.
		_ = q.Flush(ctx)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, fmt.Errorf("enqueue %s: %w", item.Key, vaulterr.ErrClosed)
	}
	if q.collapsibleLocked(item.Key) {
		q.stats.enqueued++
		t := q.latest[item.Key]
		f, discard := q.collapseLocked(t, item)
		retired := q.supersedeLocked(t)
		q.mu.Unlock()
		if discard != nil {
			discard()
		}
		q.drop(retired...)
		q.signal()
		return f, nil
	}
	if q.depth >= q.cfg.MaxPending {
		q.mu.Unlock()
		return nil, &vaulterr.CapacityError{Resource: "queue", Limit: int64(q.cfg.MaxPending), Requested: int64(q.cfg.MaxPending + 1)}
	}

	q.stats.enqueued++
	t := q.newTaskLocked(item, item.Priority)
	f := t.futures[0]
	retired := q.supersedeLocked(t)
	if dep, ok := q.latest[item.DependsOn]; ok && dep.state == statePending && dep.lane > t.lane {
		dep.lane = t.lane
		q.lanes[t.lane] = append(q.lanes[t.lane], dep)
	}
	q.latest[t.Key] = t
	q.lanes[t.lane] = append(q.lanes[t.lane], t)
	q.mu.Unlock()

	q.metrics.RecordEnqueue(t.lane.String(), false)
	q.drop(retired...)
	q.signal()
	return f, nil
}

func (q *Queue) newTaskLocked(item Item, lane Priority) *task {
	t := &task{
		Item:     item,
		lane:     lane,
		state:    statePending,
		enqueued: q.cfg.Now(),
		futures:  []*Future{newFuture()},
	}
	q.depth++
	return t
}

func (q *Queue) collapsibleLocked(key string) bool {
	old, ok := q.latest[key]
	return ok && old.state == statePending && !old.logged
}

// collapseLocked replaces a pending item in place. It keeps its position in
// its lane, and moves up a lane if the newer item has a higher priority.
func (q *Queue) collapseLocked(old *task, item Item) (*Future, func()) {
	f := newFuture()
	discard := old.Discard
	old.Item = item
	old.futures = append(old.futures, f)
	if item.Priority < old.lane {
		old.lane = item.Priority
		q.lanes[old.lane] = append(q.lanes[old.lane], old)
	}
	q.stats.collapsed++
	q.metrics.RecordEnqueue(item.Priority.String(), true)
	return f, discard
}

// supersedeLocked retires unapplied items made obsolete by t and hands their
// futures to t. The retired items must be passed to drop once q.mu is
// released.
func (q *Queue) supersedeLocked(t *task) []*task {
	var retired []*task
	retire := func(old *task) {
		if old == t || old.Pinned || (old.state != statePending && old.state != stateWaiting) {
			return
		}
		t.futures = append(t.futures, old.futures...)
		old.futures = nil
		old.state = stateDone
		q.depth--
		q.stats.collapsed++
		if q.latest[old.Key] == old {
			delete(q.latest, old.Key)
		}
		retired = append(retired, old)
	}

	if old, ok := q.latest[t.Key]; ok {
		retire(old)
	}
	for _, s := range t.Supersedes {
		if !strings.HasSuffix(s, "/") {
			if old, ok := q.latest[s]; ok {
				retire(old)
			}
			continue
		}
		for key, old := range q.latest {
			if strings.HasPrefix(key, s) {
				retire(old)
			}
		}
	}
	return retired
}

// drop voids the log entries of retired items and runs their Discard hooks.
func (q *Queue) drop(tasks ...*task) {
	for _, t := range tasks {
		if t.logged {
			q.abort(t)
		}
		if t.Discard != nil {
			t.Discard()
		}
	}
}

func (q *Queue) runCritical(ctx context.Context, item Item) (*Future, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, fmt.Errorf("enqueue %s: %w", item.Key, vaulterr.ErrClosed)
	}
	q.stats.enqueued++
	t := q.newTaskLocked(item, Critical)
	t.state = stateRunning
	f := t.futures[0]
	retired := q.supersedeLocked(t)

	var dep *task
	if d, ok := q.latest[item.DependsOn]; ok && d.state == statePending {
		d.state = stateRunning
		dep = d
	}
	q.latest[t.Key] = t
	q.mu.Unlock()

	q.metrics.RecordEnqueue(Critical.String(), false)
	q.drop(retired...)

	// Once started, a critical item runs to completion.
	ctx = context.WithoutCancel(ctx)
	q.applyMu.Lock()
	if dep != nil {
		q.process(ctx, dep, true)
	}
	q.process(ctx, t, true)
	q.applyMu.Unlock()

	<-f.Done()
	return f, f.Err()
}

// process logs and applies t until it succeeds, is scheduled for a retry or
// is dead-lettered. The caller holds applyMu.
func (q *Queue) process(ctx context.Context, t *task, inline bool) {
	for {
		start := q.cfg.Now()
		err := q.logOnce(t)
		if err == nil {
			err = t.Apply(ctx)
		}
		elapsed := q.cfg.Now().Sub(start)
		if err == nil {
			q.metrics.RecordApply(t.lane.String(), nil, false, elapsed)
			q.finish(t)
			return
		}

		t.attempts++
		retry := vaulterr.IsRetryable(err) && t.attempts < q.maxAttempts(t.lane)
		q.metrics.RecordApply(t.lane.String(), err, retry, elapsed)
		q.mu.Lock()
		q.stats.failed++
		q.mu.Unlock()
		if !retry {
			q.deadLetter(t, err)
			return
		}

		delay := q.backoff(t.attempts)
		q.logger.Warn().Err(err).
			Str("key", t.Key).
			Str("priority", t.lane.String()).
			Int("attempt", t.attempts).
			Dur("backoff", delay).
			Msg("Apply failed, will retry")

		if !inline {
			q.reschedule(t, delay)
			return
		}
		q.mu.Lock()
		q.stats.retried++
		q.mu.Unlock()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-q.ctx.Done():
			timer.Stop()
		}
	}
}

func (q *Queue) maxAttempts(p Priority) int {
	switch p {
	case Critical:
		return q.cfg.CriticalAttempts
	case Low:
		return q.cfg.LowAttempts
	}
	return q.cfg.NormalAttempts
}

// backoff returns base·2^(attempt-1), capped.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attempt && d < q.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, q.cfg.BackoffMax)
}

func (q *Queue) logOnce(t *task) error {
	if t.logged || len(t.Entries) == 0 {
		return nil
	}
	q.logMu.Lock()
	defer q.logMu.Unlock()

	out, err := q.log.Append(t.Entries...)
	q.metrics.RecordAppend(len(t.Entries), err)
	if err != nil {
		return fmt.Errorf("log %s: %w", t.Key, err)
	}

	seqs := make([]uint64, len(out))
	for i, e := range out {
		seqs[i] = e.Seq
	}
	pin := seqs[0]
	if t.Pinned && t.PinSeq > 0 && t.PinSeq < pin {
		pin = t.PinSeq
	}

	q.mu.Lock()
	t.logged = true
	t.seqs = seqs
	q.inflight[t] = pin
	q.mu.Unlock()
	return nil
}

// abort voids the log entries of retired or dead-lettered items so recovery
// does not re-apply them.
func (q *Queue) abort(tasks ...*task) {
	for _, t := range tasks {
		entries := make([]wal.Entry, 0, len(t.seqs))
		for _, seq := range t.seqs {
			payload, _ := json.Marshal(wal.AbortPayload{Seq: seq})
			entries = append(entries, wal.Entry{Op: wal.OpAbort, Key: t.Key, Payload: payload})
		}
		q.logMu.Lock()
		_, err := q.log.Append(entries...)
		q.logMu.Unlock()
		if err != nil {
			// Left pinned: recovery re-applies the entries, and any newer
			// item for the key is logged after them.
			q.logger.Error().Err(err).Str("key", t.Key).Msg("Failed to void log entries")
			continue
		}
		q.mu.Lock()
		delete(q.inflight, t)
		q.mu.Unlock()
	}
}

func (q *Queue) finish(t *task) {
	q.mu.Lock()
	delete(q.inflight, t)
	t.state = stateDone
	if q.latest[t.Key] == t {
		delete(q.latest, t.Key)
	}
	q.depth--
	q.stats.applied++
	q.meter.mark(q.cfg.Now())
	futures := t.futures
	t.futures = nil
	q.mu.Unlock()

	for _, f := range futures {
		f.resolve(nil)
	}
}

func (q *Queue) reschedule(t *task, delay time.Duration) {
	q.mu.Lock()
	if newer, ok := q.latest[t.Key]; ok && newer != t {
		// A newer write for the key arrived while this one was running.
		newer.futures = append(newer.futures, t.futures...)
		t.futures = nil
		t.state = stateDone
		q.depth--
		q.stats.collapsed++
		q.mu.Unlock()
		q.drop(t)
		return
	}
	t.state = stateWaiting
	t.next = q.cfg.Now().Add(delay)
	q.waiting = append(q.waiting, t)
	q.stats.retried++
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) deadLetter(t *task, cause error) {
	if t.logged && !t.Pinned {
		q.abort(t)
	}
	err := fmt.Errorf("%s failed after %d attempts: %w", t.Key, t.attempts, cause)

	q.mu.Lock()
	t.state = stateDone
	if q.latest[t.Key] == t {
		delete(q.latest, t.Key)
	}
	q.depth--
	// A pinned item that never reached the log belongs to its owner, which
	// discards it.
	if !t.Pinned || t.logged {
		q.dead[t.Key] = &DeadLetter{
			Key:      t.Key,
			Priority: t.lane,
			Attempts: t.attempts,
			Err:      cause,
			Error:    cause.Error(),
			FailedAt: q.cfg.Now(),
			task:     t,
		}
	}
	q.stats.deadLettered++
	futures := t.futures
	t.futures = nil
	q.mu.Unlock()

	q.logger.Error().Err(cause).
		Str("key", t.Key).
		Str("priority", t.lane.String()).
		Int("attempts", t.attempts).
		Bool("pinned", t.Pinned).
		Msg("Item moved to dead letters")
	for _, f := range futures {
		f.resolve(err)
	}
}

// Pending returns the value of the newest unapplied item for key.
func (q *Queue) Pending(key string) (value any, deleted bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.latest[key]
	if !ok {
		return nil, false, false
	}
	return t.Value, t.Deleted, true
}

// SafeSeq returns the highest log sequence at or below which every entry has
// been applied or voided.
func (q *Queue) SafeSeq() uint64 {
	q.logMu.Lock()
	defer q.logMu.Unlock()
	safe := q.log.LastSeq()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, first := range q.inflight {
		if first-1 < safe {
			safe = first - 1
		}
	}
	return safe
}

// DeadLetters returns the dead-letter set, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, 0, len(q.dead))
	for _, dl := range q.dead {
		out = append(out, *dl)
	}
	slices.SortFunc(out, func(a, b DeadLetter) int { return a.FailedAt.Compare(b.FailedAt) })
	return out
}

// Requeue resubmits a dead-lettered item. It fails with ErrConflict if a newer
// item for the key is already pending.
func (q *Queue) Requeue(ctx context.Context, key string) (*Future, error) {
	q.mu.Lock()
	dl, ok := q.dead[key]
	if !ok {
		q.mu.Unlock()
		return nil, vaulterr.NotFound("dead letter", key)
	}
	if _, busy := q.latest[key]; busy {
		q.mu.Unlock()
		return nil, fmt.Errorf("requeue %s: newer write pending: %w", key, vaulterr.ErrConflict)
	}
	if q.closed {
		q.mu.Unlock()
		return nil, fmt.Errorf("requeue %s: %w", key, vaulterr.ErrClosed)
	}
	delete(q.dead, key)

	t := dl.task
	t.attempts = 0
	t.state = statePending
	t.enqueued = q.cfg.Now()
	if !t.Pinned {
		t.logged = false
		t.seqs = nil
	}
	f := newFuture()
	t.futures = []*Future{f}
	q.depth++
	q.latest[key] = t

	if t.lane == Critical {
		t.state = stateRunning
		q.mu.Unlock()
		q.applyMu.Lock()
		q.process(context.WithoutCancel(ctx), t, true)
		q.applyMu.Unlock()
		<-f.Done()
		return f, f.Err()
	}
	q.lanes[t.lane] = append(q.lanes[t.lane], t)
	q.mu.Unlock()
	q.signal()
	return f, nil
}

// Pause holds off every apply, background and critical, until resume is
// called. An apply already running finishes first.
func (q *Queue) Pause() (resume func()) {
	q.applyMu.Lock()
	return sync.OnceFunc(q.applyMu.Unlock)
}

// Flush applies every item enqueued before the call without waiting for
// batch thresholds, and returns the errors of items that were dead-lettered.
// Items backing off before a retry keep their schedule.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	var futures []*Future
	track := func(t *task) {
		if t.state == stateDone {
			return
		}
		f := newFuture()
		t.futures = append(t.futures, f)
		futures = append(futures, f)
	}
	for _, t := range q.latest {
		track(t)
	}
	for _, t := range q.waiting {
		if q.latest[t.Key] != t {
			track(t)
		}
	}
	q.flushing++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing--
		q.mu.Unlock()
	}()
	q.signal()

	var errs []error
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("flush: %w", ctx.Err())
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes the queue and stops the worker. Items that could not be
// flushed before ctx ended are failed with ErrClosed; any that were already
// logged are recovered on the next open.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	err := q.Flush(ctx)

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stop) })
	q.cancel()
	<-q.done

	q.mu.Lock()
	var left []*Future
	for key, t := range q.latest {
		left = append(left, t.futures...)
		t.futures = nil
		t.state = stateDone
		delete(q.latest, key)
	}
	for _, t := range q.waiting {
		left = append(left, t.futures...)
		t.futures = nil
	}
	q.waiting = nil
	q.lanes = [Low + 1][]*task{}
	q.depth = 0
	q.mu.Unlock()

	if len(left) > 0 {
		q.logger.Warn().Int("items", len(left)).Msg("Queue closed with unapplied items")
	}
	for _, f := range left {
		f.resolve(fmt.Errorf("queue: %w", vaulterr.ErrClosed))
	}
	return err
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the worker for batched priorities.
func (q *Queue) run() {
	defer close(q.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		batch, wait := q.next()
		for _, t := range batch {
			if err := q.limiter.Wait(q.ctx); err != nil {
				return
			}
			q.applyMu.Lock()
			if q.claim(t) {
				q.process(q.ctx, t, false)
			}
			q.applyMu.Unlock()
		}
		if len(batch) > 0 {
			continue
		}

		timer.Reset(wait)
		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// next takes the items that are ready to apply: due retries first, then each
// lane whose batch is full, whose oldest item has waited long enough, or that
// is being flushed. It also returns how long the worker may sleep.
func (q *Queue) next() ([]*task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	wait := time.Hour
	var batch []*task

	keep := q.waiting[:0]
	for _, t := range q.waiting {
		switch {
		case t.state != stateWaiting:
		case !now.Before(t.next):
			batch = append(batch, t)
		default:
			keep = append(keep, t)
			wait = min(wait, t.next.Sub(now))
		}
	}
	clear(q.waiting[len(keep):])
	q.waiting = keep

	for _, p := range []Priority{Normal, Low} {
		size, interval := q.cfg.NormalBatch, q.cfg.NormalInterval
		if p == Low {
			size, interval = q.cfg.LowBatch, q.cfg.LowInterval
		}

		live := q.lanes[p][:0]
		for _, t := range q.lanes[p] {
			if t.state == statePending && t.lane == p {
				live = append(live, t)
			}
		}
		clear(q.lanes[p][len(live):])
		q.lanes[p] = live
		q.metrics.SetQueueDepth(p.String(), len(live))
		if len(live) == 0 {
			continue
		}

		age := now.Sub(live[0].enqueued)
		if q.flushing == 0 && len(live) < size && age < interval {
			wait = min(wait, interval-age)
			continue
		}

		rest := live[:0:0]
		taken := 0
		for _, t := range live {
			if taken < size && !q.blockedLocked(t) {
				batch = append(batch, t)
				taken++
				continue
			}
			rest = append(rest, t)
		}
		q.lanes[p] = rest
		if len(rest) > 0 {
			// Items held back by a dependency are retried shortly.
			wait = min(wait, q.cfg.BackoffBase)
		}
	}
	return batch, max(wait, time.Millisecond)
}

// blockedLocked reports whether t depends on an item still backing off.
func (q *Queue) blockedLocked(t *task) bool {
	if t.DependsOn == "" {
		return false
	}
	dep, ok := q.latest[t.DependsOn]
	return ok && dep != t && dep.state == stateWaiting
}

// claim marks a batched item as running unless it was retired meanwhile.
func (q *Queue) claim(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.state != statePending && t.state != stateWaiting {
		return false
	}
	t.state = stateRunning
	return true
}

// Stats describes queue activity.
type Stats struct {
	Depth        map[string]int `json:"depth"`
	Waiting      int            `json:"waiting_retry"`
	Enqueued     uint64         `json:"enqueued"`
	Applied      uint64         `json:"applied"`
	Collapsed    uint64         `json:"collapsed"`
	Retried      uint64         `json:"retried"`
	Failed       uint64         `json:"failed_attempts"`
	DeadLettered uint64         `json:"dead_lettered"`
	DeadLetters  int            `json:"dead_letters"`
	Throughput   float64        `json:"throughput_per_sec"`
}

// Stats returns queue depth, failure counts and throughput.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Depth:        map[string]int{Critical.String(): 0, Normal.String(): 0, Low.String(): 0},
		Enqueued:     q.stats.enqueued,
		Applied:      q.stats.applied,
		Collapsed:    q.stats.collapsed,
		Retried:      q.stats.retried,
		Failed:       q.stats.failed,
		DeadLettered: q.stats.deadLettered,
		DeadLetters:  len(q.dead),
		Throughput:   q.meter.rate(q.cfg.Now()),
	}
	for _, t := range q.latest {
		switch t.state {
		case statePending, stateRunning:
			st.Depth[t.lane.String()]++
		case stateWaiting:
			st.Waiting++
		}
	}
	return st
}

// meter counts events in one-second buckets over the last minute.
type meter struct {
	counts [60]uint64
	stamps [60]int64
}

func (m *meter) mark(now time.Time) {
	sec := now.Unix()
	i := sec % 60
	if m.stamps[i] != sec {
		m.stamps[i] = sec
		m.counts[i] = 0
	}
	m.counts[i]++
}

func (m *meter) rate(now time.Time) float64 {
	sec := now.Unix()
	var n uint64
	for i := range m.counts {
		if sec-m.stamps[i] < 60 {
			n += m.counts[i]
		}
	}
	return float64(n) / 60
}
