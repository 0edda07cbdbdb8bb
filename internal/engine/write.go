package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/record"
	"github.com/recordvault/recordvault/internal/txn"
	"github.com/recordvault/recordvault/internal/vaulterr"
	"github.com/recordvault/recordvault/internal/wal"
)

type writeOptions struct {
	priority queue.Priority
	wait     bool
}

// WriteOption adjusts how a write is queued.
type WriteOption func(*writeOptions)

// WithPriority sets the queue priority of a write. Critical writes are
// durable when the call returns.
func WithPriority(p queue.Priority) WriteOption {
	return func(o *writeOptions) { o.priority = p }
}

// WithWait makes a write block until it has been applied.
func WithWait() WriteOption {
	return func(o *writeOptions) { o.wait = true }
}

func buildWriteOptions(opts []WriteOption) writeOptions {
	o := writeOptions{priority: queue.Normal}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// step is one mutation of the stores, shared by queued writes, transactions
// and replay.
type step func(ctx context.Context) error

func runSteps(steps []step) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, s := range steps {
			if err := s(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Put merges patch into record id, creating it as kind if it does not exist,
// and returns the new version. Reads see the new version immediately.
func (e *Engine) Put(ctx context.Context, id string, kind record.Kind, patch record.Patch, opts ...WriteOption) (_ *record.Record, err error) {
	exit, err := e.enter("put")
	if err != nil {
		return nil, err
	}
	defer exit(&err)
	o := buildWriteOptions(opts)

	unlock := e.locks.lock(id)
	defer unlock()

	cur, hidden, err := e.visible(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := record.Merge(cur, id, kind, patch, e.now())
	if err != nil {
		return nil, err
	}
	entries, steps, err := e.putSteps(rec, hidden)
	if err != nil {
		return nil, err
	}
	f, err := e.queue.Enqueue(ctx, queue.Item{
		Key:      record.Key(id),
		Priority: o.priority,
		Value:    rec,
		Entries:  entries,
		Apply:    runSteps(steps),
	})
	unlock()
	if err != nil {
		return nil, err
	}
	if o.wait {
		if err := f.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return rec.Clone(), nil
}

// putSteps builds the log entries and mutations writing rec. hidden means the
// entity store still holds an older incarnation behind a pending delete,
// which must be removed first so its chunks do not resurface.
func (e *Engine) putSteps(rec *record.Record, hidden bool) ([]wal.Entry, []step, error) {
	var (
		entries []wal.Entry
		steps   []step
	)
	if hidden {
		entries = append(entries, wal.Entry{Op: wal.OpDelete, Key: record.Key(rec.ID)})
		steps = append(steps, func(ctx context.Context) error { return e.applyDelete(ctx, rec.ID) })
	}
	entry, err := writeEntry(record.Key(rec.ID), rec)
	if err != nil {
		return nil, nil, err
	}
	entries = append(entries, entry)
	steps = append(steps, func(ctx context.Context) error { return e.applyRecord(ctx, rec) })
	return entries, steps, nil
}

// PutChunk writes one chunk of an existing record. The chunk takes over one
// reference per listed blob from the caller, as returned by StoreBlob.
func (e *Engine) PutChunk(ctx context.Context, id string, chunk record.Chunk, opts ...WriteOption) (err error) {
	exit, err := e.enter("put_chunk")
	if err != nil {
		return err
	}
	defer exit(&err)
	if err := validChunkName(chunk.Name); err != nil {
		return err
	}
	o := buildWriteOptions(opts)

	unlock := e.locks.lock(id)
	defer unlock()

	cur, _, err := e.visible(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return vaulterr.NotFound("record", id)
	}
	c := cloneChunk(&chunk)
	entry, err := writeEntry(record.ChunkKey(id, c.Name), c)
	if err != nil {
		return err
	}
	f, err := e.queue.Enqueue(ctx, queue.Item{
		Key:       record.ChunkKey(id, c.Name),
		Priority:  o.priority,
		Value:     c,
		Entries:   []wal.Entry{entry},
		Apply:     func(ctx context.Context) error { return e.applyChunk(ctx, id, c) },
		DependsOn: record.Key(id),
		Discard:   func() { e.releaseBlobs(c.Blobs) },
	})
	unlock()
	if err != nil {
		return err
	}
	if o.wait {
		return f.Wait(ctx)
	}
	return nil
}

// DeleteChunk removes one chunk of a record and releases its blobs.
func (e *Engine) DeleteChunk(ctx context.Context, id, name string, opts ...WriteOption) (err error) {
	exit, err := e.enter("delete_chunk")
	if err != nil {
		return err
	}
	defer exit(&err)
	o := buildWriteOptions(opts)

	unlock := e.locks.lock(id)
	defer unlock()

	key := record.ChunkKey(id, name)
	if _, deleted, ok := e.queue.Pending(key); ok {
		if deleted {
			return vaulterr.NotFound("chunk", id+"/"+name)
		}
	} else {
		cur, _, err := e.visible(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return vaulterr.NotFound("record", id)
		}
		if _, ok := cur.Chunks[name]; !ok {
			return vaulterr.NotFound("chunk", id+"/"+name)
		}
	}

	f, err := e.queue.Enqueue(ctx, queue.Item{
		Key:       key,
		Priority:  o.priority,
		Deleted:   true,
		Entries:   []wal.Entry{{Op: wal.OpDelete, Key: key}},
		Apply:     func(ctx context.Context) error { return e.applyDeleteChunk(ctx, id, name) },
		DependsOn: record.Key(id),
	})
	unlock()
	if err != nil {
		return err
	}
	if o.wait {
		return f.Wait(ctx)
	}
	return nil
}

// Delete removes a record with all its chunks. Index entries go first, so a
// query never returns an id whose storage is half removed.
func (e *Engine) Delete(ctx context.Context, id string, opts ...WriteOption) (err error) {
	exit, err := e.enter("delete")
	if err != nil {
		return err
	}
	defer exit(&err)
	o := buildWriteOptions(opts)

	unlock := e.locks.lock(id)
	defer unlock()

	cur, _, err := e.visible(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return vaulterr.NotFound("record", id)
	}
	f, err := e.queue.Enqueue(ctx, queue.Item{
		Key:        record.Key(id),
		Priority:   o.priority,
		Deleted:    true,
		Entries:    []wal.Entry{{Op: wal.OpDelete, Key: record.Key(id)}},
		Apply:      func(ctx context.Context) error { return e.applyDelete(ctx, id) },
		Supersedes: []string{record.ChunkPrefix(id)},
	})
	unlock()
	if err != nil {
		return err
	}
	if o.wait {
		return f.Wait(ctx)
	}
	return nil
}

// visible returns the newest version of id as a reader would see it, or nil
// if there is none. hidden reports that the entity store still holds a
// version a pending delete has not removed yet.
func (e *Engine) visible(ctx context.Context, id string) (cur *record.Record, hidden bool, err error) {
	if v, deleted, ok := e.queue.Pending(record.Key(id)); ok {
		if deleted {
			return nil, e.entities.Has(id), nil
		}
		return v.(*record.Record), false, nil
	}
	rec, err := e.entities.LoadMetadata(ctx, id)
	switch {
	case err == nil:
		return rec, false, nil
	case errors.Is(err, vaulterr.ErrNotFound):
		return nil, false, nil
	case errors.Is(err, vaulterr.ErrNeedsRepair) && rec != nil:
		// Metadata is intact; writing it does not touch the missing chunks.
		return rec, false, nil
	}
	return nil, false, err
}

// Prepare resolves a transaction's buffered operations against the current
// state. The ids it touches stay locked until Release.
func (e *Engine) Prepare(ctx context.Context, txID string, ops []txn.Op) (_ *txn.Prepared, err error) {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	unlock := e.locks.lockAll(ids)
	defer func() {
		if err != nil {
			unlock()
		}
	}()

	type view struct {
		rec    *record.Record
		hidden bool
	}
	views := make(map[string]*view)
	resolve := func(id string) (*view, error) {
		if v, ok := views[id]; ok {
			return v, nil
		}
		rec, hidden, err := e.visible(ctx, id)
		if err != nil {
			return nil, err
		}
		v := &view{rec: rec, hidden: hidden}
		views[id] = v
		return v, nil
	}

	var (
		entries []wal.Entry
		steps   []step
	)
	for _, op := range ops {
		v, err := resolve(op.ID)
		if err != nil {
			return nil, err
		}
		switch op.Type {
		case txn.OpPut:
			rec, err := record.Merge(v.rec, op.ID, op.Kind, op.Patch, e.now())
			if err != nil {
				return nil, fmt.Errorf("tx %s: %w", txID, err)
			}
			en, st, err := e.putSteps(rec, v.rec == nil && v.hidden)
			if err != nil {
				return nil, err
			}
			entries = append(entries, en...)
			steps = append(steps, st...)
			v.rec, v.hidden = rec, false

		case txn.OpPutChunk:
			if v.rec == nil {
				return nil, fmt.Errorf("tx %s: %w", txID, vaulterr.NotFound("record", op.ID))
			}
			if op.Chunk == nil {
				return nil, fmt.Errorf("tx %s: put_chunk without chunk: %w", txID, vaulterr.ErrInvalid)
			}
			if err := validChunkName(op.Chunk.Name); err != nil {
				return nil, fmt.Errorf("tx %s: %w", txID, err)
			}
			c := cloneChunk(op.Chunk)
			entry, err := writeEntry(record.ChunkKey(op.ID, c.Name), c)
			if err != nil {
				return nil, err
			}
			id := op.ID
			entries = append(entries, entry)
			steps = append(steps, func(ctx context.Context) error { return e.applyChunk(ctx, id, c) })

		case txn.OpDelete:
			if v.rec == nil {
				return nil, fmt.Errorf("tx %s: %w", txID, vaulterr.NotFound("record", op.ID))
			}
			id := op.ID
			entries = append(entries, wal.Entry{Op: wal.OpDelete, Key: record.Key(id)})
			steps = append(steps, func(ctx context.Context) error { return e.applyDelete(ctx, id) })
			v.rec, v.hidden = nil, false

		default:
			return nil, fmt.Errorf("tx %s: unknown operation %q: %w", txID, op.Type, vaulterr.ErrInvalid)
		}
	}

	return &txn.Prepared{
		Entries: entries,
		Apply:   runSteps(steps),
		Release: unlock,
	}, nil
}

// Begin starts a transaction. Its writes are applied atomically on Commit,
// and recovery either redoes all of them or none.
func (e *Engine) Begin(ctx context.Context) (_ *txn.Tx, err error) {
	exit, err := e.enter("begin")
	if err != nil {
		return nil, err
	}
	defer exit(&err)
	return e.coord.Begin(ctx)
}

// Transactions lists the open transactions, oldest first.
func (e *Engine) Transactions() []txn.Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}
	return e.coord.Open()
}

func (e *Engine) applyRecord(ctx context.Context, rec *record.Record) error {
	if err := e.entities.SaveMetadata(ctx, rec); err != nil {
		return err
	}
	e.index.Update(rec)
	e.cache.Delete(record.Key(rec.ID))
	return nil
}

func (e *Engine) applyChunk(ctx context.Context, id string, c *record.Chunk) error {
	if _, err := e.entities.SaveChunk(ctx, id, *c); err != nil {
		return err
	}
	e.cache.Delete(record.ChunkKey(id, c.Name))
	e.cache.Delete(record.Key(id))
	return nil
}

func (e *Engine) applyDeleteChunk(ctx context.Context, id, name string) error {
	err := e.entities.DeleteChunk(ctx, id, name)
	if err != nil && !errors.Is(err, vaulterr.ErrNotFound) {
		return err
	}
	e.cache.Delete(record.ChunkKey(id, name))
	e.cache.Delete(record.Key(id))
	return nil
}

func (e *Engine) applyDelete(ctx context.Context, id string) error {
	e.index.Remove(id)

	err := e.entities.DeleteRecord(ctx, id)
	if err != nil && !errors.Is(err, vaulterr.ErrNotFound) {
		return err
	}
	e.cache.Delete(record.Key(id))
	if _, err := e.cache.Invalidate(record.ChunkPrefix(id) + "*"); err != nil {
		return err
	}
	return nil
}

// releaseBlobs drops references a discarded chunk write was carrying.
func (e *Engine) releaseBlobs(ids []string) {
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := e.blobs.Release(context.Background(), id); err != nil {
			e.logger.Warn().Err(err).Str("blob", id).Msg("Failed to release blob of discarded chunk")
		}
	}
}

func writeEntry(key string, v any) (wal.Entry, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return wal.Entry{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return wal.Entry{Op: wal.OpWrite, Key: key, Payload: payload}, nil
}

func cloneChunk(c *record.Chunk) *record.Chunk {
	return &record.Chunk{
		Name:  c.Name,
		Items: c.Items,
		Blobs: slices.Clone(c.Blobs),
		Data:  slices.Clone(c.Data),
	}
}

func validChunkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid chunk name %q: %w", name, vaulterr.ErrInvalid)
	}
	return nil
}
