package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/internal/wal"
)

type memLog struct {
	mu      sync.Mutex
	entries []wal.Entry
	seq     uint64
	failing atomic.Bool
}

func (l *memLog) Append(entries ...wal.Entry) ([]wal.Entry, error) {
	if l.failing.Load() {
		return nil, vaulterr.Transient(errors.New("disk unplugged"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wal.Entry, len(entries))
	for i, e := range entries {
		l.seq++
		e.Seq = l.seq
		out[i] = e
		l.entries = append(l.entries, e)
	}
	return out, nil
}

func (l *memLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *memLog) ops() []wal.Op {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []wal.Op
	for _, e := range l.entries {
		out = append(out, e.Op)
	}
	return out
}

type recorder struct {
	mu      sync.Mutex
	applied []string
}

func (r *recorder) apply(name string) func(context.Context) error {
	return func(context.Context) error {
		r.mu.Lock()
		r.applied = append(r.applied, name)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

// slow keeps batched items waiting until a flush or a full batch.
func slow() Config {
	return Config{
		NormalInterval: time.Hour,
		LowInterval:    time.Hour,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
}

func newQueue(t *testing.T, cfg Config) (*Queue, *memLog) {
	t.Helper()
	log := &memLog{}
	q := New(log, cfg)
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q, log
}

func write(key string) []wal.Entry {
	return []wal.Entry{{Op: wal.OpWrite, Key: key, Payload: json.RawMessage(`{}`)}}
}

func TestCriticalAppliesBeforeReturning(t *testing.T) {
	q, log := newQueue(t, slow())
	rec := &recorder{}

	f, err := q.Enqueue(context.Background(), Item{
		Key: "record/a", Priority: Critical, Entries: write("record/a"), Apply: rec.apply("a"),
	})
	require.NoError(t, err)
	select {
	case <-f.Done():
	default:
		t.Fatal("critical future not resolved on return")
	}
	assert.Equal(t, []string{"a"}, rec.list())
	assert.Equal(t, []wal.Op{wal.OpWrite}, log.ops())
}

func TestCriticalOvertakesPendingNormal(t *testing.T) {
	q, _ := newQueue(t, slow())
	rec := &recorder{}
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Item{Key: "record/n", Priority: Normal, Entries: write("record/n"), Apply: rec.apply("normal")})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Item{Key: "record/c", Priority: Critical, Entries: write("record/c"), Apply: rec.apply("critical")})
	require.NoError(t, err)

	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, []string{"critical", "normal"}, rec.list())
}

func TestCriticalSupersedesPendingSameKey(t *testing.T) {
	q, log := newQueue(t, slow())
	rec := &recorder{}
	ctx := context.Background()

	older, err := q.Enqueue(ctx, Item{Key: "record/a", Priority: Normal, Entries: write("record/a"), Apply: rec.apply("old")})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Item{Key: "record/a", Priority: Critical, Entries: write("record/a"), Apply: rec.apply("new")})
	require.NoError(t, err)

	require.NoError(t, older.Wait(ctx))
	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, []string{"new"}, rec.list())
	assert.Len(t, log.ops(), 1)
}

func TestCollapseAppliesOnlyTheLastWrite(t *testing.T) {
	q, log := newQueue(t, slow())
	ctx := context.Background()

	var applied []int
	var mu sync.Mutex
	var futures []*Future
	for i := range 100 {
		f, err := q.Enqueue(ctx, Item{
			Key:      "record/hot",
			Priority: Normal,
			Value:    i,
			Entries:  write("record/hot"),
			Apply: func(context.Context) error {
				mu.Lock()
				applied = append(applied, i)
				mu.Unlock()
				return nil
			},
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	v, deleted, ok := q.Pending("record/hot")
	assert.True(t, ok)
	assert.False(t, deleted)
	assert.Equal(t, 99, v)

	require.NoError(t, q.Flush(ctx))
	for _, f := range futures {
		assert.NoError(t, f.Err())
	}
	assert.Equal(t, []int{99}, applied)
	assert.Len(t, log.ops(), 1)

	st := q.Stats()
	assert.Equal(t, uint64(100), st.Enqueued)
	assert.Equal(t, uint64(99), st.Collapsed)
	assert.Equal(t, uint64(1), st.Applied)

	_, _, ok = q.Pending("record/hot")
	assert.False(t, ok)
}

func TestFullBatchDrainsWithoutFlush(t *testing.T) {
	cfg := slow()
	cfg.NormalBatch = 3
	q, _ := newQueue(t, cfg)
	rec := &recorder{}

	for _, k := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(context.Background(), Item{Key: k, Priority: Normal, Entries: write(k), Apply: rec.apply(k)})
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return len(rec.list()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, rec.list())
}

func TestIntervalDrainsSmallBatch(t *testing.T) {
	cfg := slow()
	cfg.LowInterval = 20 * time.Millisecond
	q, _ := newQueue(t, cfg)
	rec := &recorder{}

	f, err := q.Enqueue(context.Background(), Item{Key: "a", Priority: Low, Entries: write("a"), Apply: rec.apply("a")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Wait(ctx))
	assert.Equal(t, []string{"a"}, rec.list())
}

func TestRetryWithBackoff(t *testing.T) {
	q, log := newQueue(t, slow())
	var calls atomic.Int32

	f, err := q.Enqueue(context.Background(), Item{
		Key: "a", Priority: Normal, Entries: write("a"),
		Apply: func(context.Context) error {
			if calls.Add(1) <= 2 {
				return vaulterr.Transient(errors.New("busy"))
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, q.Flush(context.Background()))
	require.NoError(t, f.Err())

	assert.Equal(t, int32(3), calls.Load())
	// The entry is logged once and reused by every attempt.
	assert.Len(t, log.ops(), 1)
	st := q.Stats()
	assert.Equal(t, uint64(2), st.Retried)
	assert.Equal(t, uint64(2), st.Failed)
	assert.Equal(t, log.LastSeq(), q.SafeSeq())
}

func TestDeadLetterAndRequeue(t *testing.T) {
	cfg := slow()
	cfg.NormalAttempts = 3
	q, log := newQueue(t, cfg)
	ctx := context.Background()

	var broken atomic.Bool
	broken.Store(true)
	var calls atomic.Int32
	f, err := q.Enqueue(ctx, Item{
		Key: "a", Priority: Normal, Entries: write("a"),
		Apply: func(context.Context) error {
			calls.Add(1)
			if broken.Load() {
				return vaulterr.Transient(errors.New("busy"))
			}
			return nil
		},
	})
	require.NoError(t, err)

	assert.Error(t, q.Flush(ctx))
	assert.ErrorIs(t, f.Err(), vaulterr.ErrTransientIO)
	assert.Equal(t, int32(3), calls.Load())

	dls := q.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, "a", dls[0].Key)
	assert.Equal(t, 3, dls[0].Attempts)

	// The logged entry is voided so recovery does not redo it.
	assert.Equal(t, []wal.Op{wal.OpWrite, wal.OpAbort}, log.ops())
	assert.Equal(t, log.LastSeq(), q.SafeSeq())

	broken.Store(false)
	f, err = q.Requeue(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx))
	require.NoError(t, f.Err())
	assert.Empty(t, q.DeadLetters())
	assert.Equal(t, []wal.Op{wal.OpWrite, wal.OpAbort, wal.OpWrite}, log.ops())

	_, err = q.Requeue(ctx, "a")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q, _ := newQueue(t, slow())
	var calls atomic.Int32
	f, err := q.Enqueue(context.Background(), Item{
		Key: "a", Priority: Normal, Entries: write("a"),
		Apply: func(context.Context) error {
			calls.Add(1)
			return &vaulterr.CorruptionError{Key: "a"}
		},
	})
	require.NoError(t, err)
	_ = q.Flush(context.Background())

	assert.ErrorIs(t, f.Err(), vaulterr.ErrCorruption)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLogFailureNeverApplies(t *testing.T) {
	q, log := newQueue(t, slow())
	log.failing.Store(true)
	var calls atomic.Int32

	_, err := q.Enqueue(context.Background(), Item{
		Key: "a", Priority: Critical, Entries: write("a"),
		Apply: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	assert.ErrorIs(t, err, vaulterr.ErrTransientIO)
	assert.Zero(t, calls.Load())
	assert.Len(t, q.DeadLetters(), 1)
}

func TestPinnedDeadLetterHoldsCheckpoint(t *testing.T) {
	q, log := newQueue(t, slow())
	_, _ = log.Append(wal.Entry{Op: wal.OpBegin, TxID: "t1"})

	_, err := q.Enqueue(context.Background(), Item{
		Key:      "tx/t1",
		Priority: Critical,
		Entries: []wal.Entry{
			{Op: wal.OpWrite, Key: "record/a", TxID: "t1", Payload: json.RawMessage(`{}`)},
			{Op: wal.OpCommit, TxID: "t1"},
		},
		Pinned: true,
		PinSeq: 1,
		Apply:  func(context.Context) error { return fmt.Errorf("apply: %w", vaulterr.ErrInvalid) },
	})
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)

	// Committed entries are never voided; recovery must redo them.
	assert.Equal(t, []wal.Op{wal.OpBegin, wal.OpWrite, wal.OpCommit}, log.ops())
	assert.Equal(t, uint64(0), q.SafeSeq())
}

func TestSafeSeqTracksUnappliedEntries(t *testing.T) {
	cfg := slow()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour
	q, log := newQueue(t, cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Item{Key: "a", Priority: Critical, Entries: write("a"), Apply: func(context.Context) error { return nil }})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), q.SafeSeq())

	var fail atomic.Bool
	fail.Store(true)
	_, err = q.Enqueue(ctx, Item{
		Key: "b", Priority: Normal, Entries: write("b"),
		Apply: func(context.Context) error {
			if fail.Load() {
				return vaulterr.Transient(errors.New("busy"))
			}
			return nil
		},
	})
	require.NoError(t, err)

	// Force one attempt, which fails and backs off for an hour.
	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = q.Flush(cctx)

	assert.Equal(t, uint64(2), log.LastSeq())
	assert.Equal(t, uint64(1), q.SafeSeq())
	st := q.Stats()
	assert.Equal(t, 1, st.Waiting)

	// A newer write retires the one backing off and voids its entry.
	fail.Store(false)
	_, err = q.Enqueue(ctx, Item{Key: "b", Priority: Normal, Entries: write("b"), Apply: func(context.Context) error { return nil }})
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, []wal.Op{wal.OpWrite, wal.OpWrite, wal.OpAbort, wal.OpWrite}, log.ops())
	assert.Equal(t, log.LastSeq(), q.SafeSeq())
}

func TestSupersedePrefix(t *testing.T) {
	q, _ := newQueue(t, slow())
	rec := &recorder{}
	ctx := context.Background()

	for _, name := range []string{"chunk/a/frames", "chunk/a/audio", "chunk/ab/frames"} {
		_, err := q.Enqueue(ctx, Item{Key: name, Priority: Low, Entries: write(name), Apply: rec.apply(name)})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, Item{
		Key: "record/a", Priority: Normal, Deleted: true,
		Entries:    []wal.Entry{{Op: wal.OpDelete, Key: "record/a"}},
		Supersedes: []string{"chunk/a/"},
		Apply:      rec.apply("delete a"),
	})
	require.NoError(t, err)

	_, deleted, ok := q.Pending("record/a")
	assert.True(t, ok)
	assert.True(t, deleted)

	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, []string{"delete a", "chunk/ab/frames"}, rec.list())
}

func TestDependencyIsPromoted(t *testing.T) {
	q, _ := newQueue(t, slow())
	rec := &recorder{}
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Item{Key: "record/a", Priority: Low, Entries: write("record/a"), Apply: rec.apply("record")})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Item{
		Key: "chunk/a/frames", Priority: Normal, DependsOn: "record/a",
		Entries: write("chunk/a/frames"), Apply: rec.apply("chunk"),
	})
	require.NoError(t, err)

	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, []string{"record", "chunk"}, rec.list())
}

func TestCriticalRunsPendingDependencyFirst(t *testing.T) {
	q, _ := newQueue(t, slow())
	rec := &recorder{}
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Item{Key: "record/a", Priority: Low, Entries: write("record/a"), Apply: rec.apply("record")})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Item{
		Key: "chunk/a/frames", Priority: Critical, DependsOn: "record/a",
		Entries: write("chunk/a/frames"), Apply: rec.apply("chunk"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"record", "chunk"}, rec.list())
}

func TestBackpressure(t *testing.T) {
	cfg := slow()
	cfg.MaxPending = 1
	q, _ := newQueue(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := q.Enqueue(ctx, Item{
		Key: "stuck", Priority: Normal, Entries: write("stuck"),
		Apply: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	// Collapsing into a pending item never counts against the limit.
	_, err = q.Enqueue(ctx, Item{Key: "stuck", Priority: Normal, Entries: write("stuck"), Apply: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	require.NoError(t, err)

	go func() { _ = q.Flush(ctx) }()
	<-started

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Enqueue(short, Item{Key: "other", Priority: Normal, Entries: write("other"), Apply: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, vaulterr.ErrCapacity)

	close(release)
	require.NoError(t, q.Flush(ctx))
	_, err = q.Enqueue(ctx, Item{Key: "other", Priority: Normal, Entries: write("other"), Apply: func(context.Context) error { return nil }})
	assert.NoError(t, err)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	log := &memLog{}
	q := New(log, slow())
	rec := &recorder{}
	ctx := context.Background()

	f, err := q.Enqueue(ctx, Item{Key: "a", Priority: Low, Entries: write("a"), Apply: rec.apply("a")})
	require.NoError(t, err)
	require.NoError(t, q.Close(ctx))
	require.NoError(t, f.Err())
	assert.Equal(t, []string{"a"}, rec.list())

	_, err = q.Enqueue(ctx, Item{Key: "b", Priority: Normal, Apply: rec.apply("b")})
	assert.ErrorIs(t, err, vaulterr.ErrClosed)
	_, err = q.Enqueue(ctx, Item{Key: "b", Priority: Critical, Apply: rec.apply("b")})
	assert.ErrorIs(t, err, vaulterr.ErrClosed)
	assert.NoError(t, q.Close(ctx))
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newQueue(t, slow())
	_, err := q.Enqueue(context.Background(), Item{Key: "a"})
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
	_, err = q.Enqueue(context.Background(), Item{Key: "a", Priority: Priority(7), Apply: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
}

func TestBackoffAndPriorityNames(t *testing.T) {
	q, _ := newQueue(t, Config{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second, Logger: zerolog.Nop()})
	assert.Equal(t, 100*time.Millisecond, q.backoff(1))
	assert.Equal(t, 200*time.Millisecond, q.backoff(2))
	assert.Equal(t, 800*time.Millisecond, q.backoff(4))
	assert.Equal(t, time.Second, q.backoff(10))

	for _, p := range []Priority{Critical, Normal, Low} {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePriority("urgent")
	assert.ErrorIs(t, err, vaulterr.ErrInvalid)
}

func TestPauseHoldsCriticalApplies(t *testing.T) {
	q, _ := newQueue(t, slow())
	rec := &recorder{}
	ctx := context.Background()

	resume := q.Pause()
	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, Item{Key: "a", Priority: Critical, Entries: write("a"), Apply: rec.apply("a")})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("critical item applied while paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, rec.list())

	resume()
	resume()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"a"}, rec.list())
}

func TestDiscardRunsForDroppedItems(t *testing.T) {
	q, _ := newQueue(t, slow())
	rec := &recorder{}
	ctx := context.Background()
	var dropped atomic.Int32
	discard := func() { dropped.Add(1) }

	_, err := q.Enqueue(ctx, Item{Key: "chunk/a/x", Priority: Normal, Apply: rec.apply("x1"), Discard: discard})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Item{Key: "chunk/a/x", Priority: Normal, Apply: rec.apply("x2"), Discard: discard})
	require.NoError(t, err)
	assert.EqualValues(t, 1, dropped.Load(), "collapsed item")

	_, err = q.Enqueue(ctx, Item{Key: "record/a", Priority: Normal, Deleted: true, Apply: rec.apply("del"), Supersedes: []string{"chunk/a/"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, dropped.Load(), "superseded item")

	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, []string{"del"}, rec.list())
	assert.EqualValues(t, 2, dropped.Load())
}

func TestCollapsedDeleteStillSupersedes(t *testing.T) {
	q, _ := newQueue(t, slow())
	rec := &recorder{}
	ctx := context.Background()
	var dropped atomic.Int32

	_, err := q.Enqueue(ctx, Item{Key: "record/a", Priority: Normal, Entries: write("record/a"), Apply: rec.apply("put a")})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Item{
		Key: "chunk/a/frames", Priority: Normal, Entries: write("chunk/a/frames"),
		Apply: rec.apply("frames"), Discard: func() { dropped.Add(1) },
	})
	require.NoError(t, err)

	f, err := q.Enqueue(ctx, Item{
		Key: "record/a", Priority: Normal, Deleted: true,
		Entries:    []wal.Entry{{Op: wal.OpDelete, Key: "record/a"}},
		Supersedes: []string{"chunk/a/"},
		Apply:      rec.apply("delete a"),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, dropped.Load())

	_, _, ok := q.Pending("chunk/a/frames")
	assert.False(t, ok)
	assert.Equal(t, 1, q.Stats().Depth["normal"])

	require.NoError(t, q.Flush(ctx))
	require.NoError(t, f.Wait(ctx))
	assert.Equal(t, []string{"delete a"}, rec.list())
	assert.Empty(t, q.DeadLetters())
}
